// Package threadspec resolves the stack bounds and VM thread locals of a
// target thread from its stack pointer.
//
// ListLookup walks the thread specifics list the VM keeps in its own
// memory. MapsLookup only knows the stack bounds and reads them from the
// memory map of the process. Chain combines lookups.
package threadspec
