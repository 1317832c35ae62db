package providers

import (
	"context"
	"encoding/json"
)

// Resource handler exports.
const (
	ExportListResources  = "resources_list_resources"
	ExportGetResource    = "resources_get_resource"
	ExportSetResource    = "resources_set_resource"
	ExportDeleteResource = "resources_delete_resource"
)

// ResourceProvider serves one resource type from a plugin. Every request
// carries resourceType so a plugin serving several types can tell them apart.
type ResourceProvider struct {
	b *Binding
}

// Binding returns the forwarder behind the provider.
func (p *ResourceProvider) Binding() *Binding {
	return p.b
}

// Type is the resource type served.
func (p *ResourceProvider) Type() string {
	return p.b.Name
}

// ListResources returns the resources matching query, keyed by id.
func (p *ResourceProvider) ListResources(ctx context.Context, query map[string]any) (map[string]json.RawMessage, error) {
	req := make(map[string]any, len(query)+1)
	for k, v := range query {
		req[k] = v
	}
	req["resourceType"] = p.b.Name

	out := map[string]json.RawMessage{}
	if err := p.b.callInto(ctx, ExportListResources, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type resourceRequest struct {
	ID           string          `json:"id"`
	Property     string          `json:"property,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	ResourceType string          `json:"resourceType"`
}

// GetResource returns one resource, or a single property of it.
func (p *ResourceProvider) GetResource(ctx context.Context, id, property string) (json.RawMessage, error) {
	reply, err := p.b.Call(ctx, ExportGetResource, resourceRequest{ID: id, Property: property, ResourceType: p.b.Name})
	if err != nil {
		return nil, err
	}
	if reply == "" {
		return json.RawMessage("{}"), nil
	}
	var raw json.RawMessage
	if err := p.b.decode(ExportGetResource, reply, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SetResource stores value under id.
func (p *ResourceProvider) SetResource(ctx context.Context, id string, value json.RawMessage) error {
	_, err := p.b.Call(ctx, ExportSetResource, resourceRequest{ID: id, Value: value, ResourceType: p.b.Name})
	return err
}

// DeleteResource removes id.
func (p *ResourceProvider) DeleteResource(ctx context.Context, id string) error {
	_, err := p.b.Call(ctx, ExportDeleteResource, resourceRequest{ID: id, ResourceType: p.b.Name})
	return err
}
