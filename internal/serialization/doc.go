// Package serialization streams layer parameters in a checksummed binary
// format.
//
// Parameters are written layer by layer in the order the caller declares,
// which for a net is its execution order. Loading matches layers by
// position, so a file saved from one graph loads into any graph declared
// the same way, whatever its device placement.
//
//	Format Structure:
//	  [64 bytes: fixed header]
//	    0x00 magic "DGPW"
//	    0x04 version (uint32 LE)
//	    0x08 flags (uint32 LE)
//	    0x10 header size (uint64 LE)
//	    0x18 data size (uint64 LE)
//	    0x20 SHA-256 of the data section
//	  [Header: JSON layer and tensor metadata]
//	  [Padding to 64 bytes]
//	  [Tensor data: float32 LE, declared order]
//
// Example usage:
//
//	var buf bytes.Buffer
//	if err := serialization.Save(&buf, n.Layers(), nil); err != nil {
//	    return err
//	}
//	hdr, err := serialization.Load(&buf, other.Layers(), serialization.DefaultLoadOptions())
package serialization
