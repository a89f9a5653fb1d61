// Package wasm is a hotswap Backend loading WebAssembly modules with wazero.
//
// # Underwater
//
// Every load gets its own wazero runtime, with a compilation cache inside the scratch directory
// of the load. Closing the code closes the runtime, so a superseded module is really unloaded.
// The instance is named after the payload and the load id, two loads never share a name.
//
// # Entry ABI
//
// An entry point symbol S is a set of exported functions:
//
//	S.initialize  () -> i32   zero on success
//	S.name        () -> i64   packed string
//	S.version     () -> i64   packed string
//	S.create_view () -> i64   packed string, a layout name or a text
//	S.dispose     () -> ()
//
// A packed string is ptr<<32 | len into the exported memory "memory".
// A symbol is found when any S.* function is exported. It only implements the entry point contract
// when all of them are exported with the signatures above.
//
// The host module "hotswap" is importable by modules:
//
//	log (ptr i32, len i32) -> ()   writes a message to the logger of the load
//
// # Notes
//
//  1. Calls into one instance are serialized, wazero functions are not safe for concurrent use.
//  2. create_view is resolved as a layout through the module assets first, then returned as a text node.
package wasm
