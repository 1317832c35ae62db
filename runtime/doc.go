// Package runtime manages the set of loaded plugins.
//
// A Manager owns one loader.Instance per plugin id. It creates each plugin's
// sandbox under the data directory, starts plugins with their configuration,
// drives the poll loop of plugins that export poll and tears everything down
// on shutdown:
//
//	m := runtime.New(runtime.Config{Enabled: true, DataDir: "/var/lib/host"},
//	    runtime.WithHost(host),
//	    runtime.WithRegistries(registries))
//	inst, err := m.Load(ctx, loader.Request{PluginID: "anchor-alarm", WasmPath: path})
//	if err != nil {
//	    return err
//	}
//	err = m.Start(ctx, "anchor-alarm", `{"radius":50}`)
//	...
//	defer m.Shutdown(ctx)
//
// Reload keeps provider registrations of the plugin and points them at the
// new instance.
package runtime
