// Package abi moves strings and byte buffers across the host/guest boundary.
//
// Each plugin convention has its own adapter:
//
//	Managed    garbage-collected guests: runtime string objects (UTF-16LE with a
//	           size header), allocated through __new and kept alive with __pin
//	Buffer     rust-library guests: host-allocated output buffers filled by the
//	           guest, released through the guest's deallocate export
//	Packed     rust-command guests: results returned as (ptr<<32 | len) in an i64
//	Canonical  converted components: canonical ABI lowering through cabi_realloc
//	           and return-pointer lifting
//
// Every transfer carries an explicit length. Arguments a guest passes to host
// imports are (ptr, len) UTF-8 ranges for all conventions and are read with
// Adapter.ReadString.
package abi
