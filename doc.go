/*
Package hotswap is a runtime module loader with hot swap support.

A module is an independently built payload (a relocatable Go object file loaded by [goloader],
or a WebAssembly module run by [wazero]) exposing one entry point that implements [EntryPoint].
The host loads it, resolves the entry point child-first against the module's own code before its
own [Namespace], instantiates it, and may later replace it with a newer build without restarting.

# License

Source codes are under Apache License Version 2.0.

# Underwater

 1. Every load attempt mints a fresh [ScratchID] and stages the payload into its own scratch directory,
    so compiled-code caches of the loading facility never alias two loads of the same path.
 2. Symbol lookup through a [Handle] prefers the module's code and falls back to the host [Namespace].
 3. [Registry] holds at most one active instance. Swaps and unloads are exclusive, uses are shared:
    no caller ever observes an instance that is being disposed or is only half initialized.
 4. Unloading is best effort. The object backend unmaps linked code, the wasm backend closes the whole
    runtime, but memory of a superseded module is not guaranteed to be reclaimed synchronously.

# Notes

 1. An action passed to [Registry.WithActiveInstance] must not call [Registry.LoadOrSwap] or
    [Registry.Unload], and should not nest another WithActiveInstance: a pending swap blocks new readers.
 2. Symbols without a package qualifier are resolved as `main.<name>` by the object backend.
 3. Instances must not keep references to the [HostContext] after Dispose.
 4. Entry points of object payloads must be declared as `func() any`. Variables and functions whose
    recorded type differs resolve to a value that is not constructible. A function without a recorded
    type is trusted to have that signature.
 5. Assets located by an [AssetsFunc] should be copied into [Payload.Dir], the asset package does so,
    otherwise an active instance sees assets deployed for its successor.

# Use

	scratch, _ := hotswap.NewScratch("")
	defer scratch.Close()
	inst := hotswap.NewInstantiator(object.Must(), hotswap.NewNamespace("host", nil), scratch)
	reg := hotswap.NewRegistry(inst)
	if err := reg.LoadOrSwap(ctx, "/mod/v1.o", "NewPlugin"); err != nil {
		log.Println(hotswap.Category(err))
	}
	reg.WithActiveInstance(func(e hotswap.EntryPoint) { println(e.Name()) })

[goloader]: https://github.com/pkujhd/goloader
[wazero]: https://github.com/tetratelabs/wazero
*/
package hotswap
