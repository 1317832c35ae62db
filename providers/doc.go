// Package providers keeps the resource, weather and radar provider
// registrations plugins make at runtime.
//
// A registration produces a Binding: a stable forwarder handed once to the
// server-side API. The binding's target is the live plugin instance and is
// swapped in place when the plugin is reloaded, so the server never needs to
// re-register. Resource bindings are keyed by "pluginID:resourceType";
// weather and radar bindings by plugin id.
package providers
