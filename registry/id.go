// Package registry provides generic, type-safe resource identity and
// storage primitives shared by the validation runtime's interned record
// types (shader records, pipeline records, filters, diagnostic
// allocations).
package registry

import "fmt"

// Index is the index component of a resource ID: the slot in a Storage.
type Index = uint32

// Epoch is the generation component of a resource ID. It prevents
// use-after-free by invalidating IDs whose index has been recycled.
type Epoch = uint32

// RawID is the 64-bit wire representation of a resource identifier.
// Layout: lower 32 bits index, upper 32 bits epoch.
type RawID uint64

// Zip combines an index and epoch into a RawID.
func Zip(index Index, epoch Epoch) RawID {
	return RawID(index) | (RawID(epoch) << 32)
}

// Unzip extracts the index and epoch from a RawID.
func (id RawID) Unzip() (Index, Epoch) {
	//nolint:gosec // G115: masked to 32 bits
	return Index(id & 0xFFFFFFFF), Epoch(id >> 32)
}

// Index returns the index component of the RawID.
func (id RawID) Index() Index {
	//nolint:gosec // G115: masked to 32 bits
	return Index(id & 0xFFFFFFFF)
}

// Epoch returns the epoch component of the RawID.
func (id RawID) Epoch() Epoch {
	//nolint:gosec // G115: shifted down from upper 32 bits
	return Epoch(id >> 32)
}

// IsZero reports whether both index and epoch are zero.
func (id RawID) IsZero() bool {
	return id == 0
}

// String returns a debug representation of the RawID.
func (id RawID) String() string {
	index, epoch := id.Unzip()
	return fmt.Sprintf("RawID(%d,%d)", index, epoch)
}

// Marker is the constraint for the empty marker types that distinguish
// one record's ID space from another at compile time. Any type satisfies
// it, so marker types can be declared in any package.
type Marker interface{}

// ID is a type-safe resource identifier parameterized by a marker type.
type ID[T Marker] struct {
	raw RawID
}

// NewID creates an ID from index and epoch components.
func NewID[T Marker](index Index, epoch Epoch) ID[T] {
	return ID[T]{raw: Zip(index, epoch)}
}

// FromRaw reinterprets a RawID as an ID[T]. The caller is responsible for
// the type association being correct.
func FromRaw[T Marker](raw RawID) ID[T] {
	return ID[T]{raw: raw}
}

// Raw returns the underlying RawID.
func (id ID[T]) Raw() RawID { return id.raw }

// Unzip extracts the index and epoch from the ID.
func (id ID[T]) Unzip() (Index, Epoch) { return id.raw.Unzip() }

// Index returns the index component of the ID.
func (id ID[T]) Index() Index { return id.raw.Index() }

// Epoch returns the epoch component of the ID.
func (id ID[T]) Epoch() Epoch { return id.raw.Epoch() }

// IsZero reports whether the ID is the invalid zero value.
func (id ID[T]) IsZero() bool { return id.raw.IsZero() }

// String returns a debug representation of the ID.
func (id ID[T]) String() string {
	index, epoch := id.Unzip()
	return fmt.Sprintf("ID(%d,%d)", index, epoch)
}
