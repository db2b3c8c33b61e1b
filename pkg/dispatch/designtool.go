package dispatch

// DesignToolAdapter is the capability set for a 2D design application
// plugin: node creation, styling, layout, and export. Other creative
// applications plug in the same way with their own schema table.
type DesignToolAdapter struct {
	schemas map[string]Schema
}

// NewDesignToolAdapter creates the design-tool adapter
func NewDesignToolAdapter() *DesignToolAdapter {
	schemas := make(map[string]Schema)
	for _, s := range designToolSchemas {
		schemas[s.Tool] = s
	}
	return &DesignToolAdapter{schemas: schemas}
}

// Name implements Adapter
func (a *DesignToolAdapter) Name() string {
	return "designtool"
}

// DefaultChannel implements Adapter
func (a *DesignToolAdapter) DefaultChannel() string {
	return "default"
}

// Schemas implements Adapter
func (a *DesignToolAdapter) Schemas() map[string]Schema {
	return a.schemas
}

var designToolSchemas = []Schema{
	{
		Tool: "get_document_info",
	},
	{
		Tool: "get_selection",
	},
	{
		Tool: "create_rectangle",
		Params: []Param{
			{Name: "x", Type: TypeNumber, Required: true},
			{Name: "y", Type: TypeNumber, Required: true},
			{Name: "w", Type: TypeNumber, Required: true},
			{Name: "h", Type: TypeNumber, Required: true},
			{Name: "name", Type: TypeString},
			{Name: "parentId", Type: TypeString},
		},
	},
	{
		Tool: "create_text",
		Params: []Param{
			{Name: "x", Type: TypeNumber, Required: true},
			{Name: "y", Type: TypeNumber, Required: true},
			{Name: "text", Type: TypeString, Required: true},
			{Name: "fontSize", Type: TypeNumber},
			{Name: "name", Type: TypeString},
			{Name: "parentId", Type: TypeString},
		},
	},
	{
		Tool: "create_frame",
		Params: []Param{
			{Name: "x", Type: TypeNumber, Required: true},
			{Name: "y", Type: TypeNumber, Required: true},
			{Name: "w", Type: TypeNumber, Required: true},
			{Name: "h", Type: TypeNumber, Required: true},
			{Name: "name", Type: TypeString},
		},
	},
	{
		Tool: "set_fill_color",
		Params: []Param{
			{Name: "nodeId", Type: TypeString, Required: true},
			{Name: "r", Type: TypeNumber, Required: true},
			{Name: "g", Type: TypeNumber, Required: true},
			{Name: "b", Type: TypeNumber, Required: true},
			{Name: "a", Type: TypeNumber},
		},
	},
	{
		Tool: "set_stroke_color",
		Params: []Param{
			{Name: "nodeId", Type: TypeString, Required: true},
			{Name: "r", Type: TypeNumber, Required: true},
			{Name: "g", Type: TypeNumber, Required: true},
			{Name: "b", Type: TypeNumber, Required: true},
			{Name: "a", Type: TypeNumber},
			{Name: "weight", Type: TypeNumber},
		},
	},
	{
		Tool: "move_node",
		Params: []Param{
			{Name: "nodeId", Type: TypeString, Required: true},
			{Name: "x", Type: TypeNumber, Required: true},
			{Name: "y", Type: TypeNumber, Required: true},
		},
	},
	{
		Tool: "resize_node",
		Params: []Param{
			{Name: "nodeId", Type: TypeString, Required: true},
			{Name: "width", Type: TypeNumber, Required: true},
			{Name: "height", Type: TypeNumber, Required: true},
		},
	},
	{
		Tool: "delete_node",
		Params: []Param{
			{Name: "nodeId", Type: TypeString, Required: true},
		},
	},
	{
		Tool: "set_text_content",
		Params: []Param{
			{Name: "nodeId", Type: TypeString, Required: true},
			{Name: "text", Type: TypeString, Required: true},
		},
	},
	{
		Tool: "get_node_info",
		Params: []Param{
			{Name: "nodeId", Type: TypeString, Required: true},
		},
	},
	{
		Tool: "export_node_as_image",
		Params: []Param{
			{Name: "nodeId", Type: TypeString, Required: true},
			{Name: "format", Type: TypeString},
			{Name: "scale", Type: TypeNumber},
		},
	},
}
