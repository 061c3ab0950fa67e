package virtio

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// Feature contains feature bits that describe a virtio device or driver.
type Feature uint64

// Device-independent feature bits.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-6600006
const (
	// FeatureIndirectDescriptors indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureIndirectDescriptors Feature = 1 << 28

	// FeatureEventIndex enables the used_event and avail_event fields. This
	// package reserves the fields but never negotiates the feature.
	FeatureEventIndex Feature = 1 << 29

	// FeatureVersion1 indicates compliance with virtio 1.0 or later.
	FeatureVersion1 Feature = 1 << 32

	// FeatureAccessPlatform indicates that device access to memory is limited
	// or translated, e.g. by an IOMMU.
	FeatureAccessPlatform Feature = 1 << 33

	// FeatureRingPacked indicates support for the packed virtqueue layout.
	// Only split virtqueues are implemented here.
	FeatureRingPacked Feature = 1 << 34

	// FeatureInOrder indicates that the device uses buffers in the same order
	// in which they have been made available.
	FeatureInOrder Feature = 1 << 35

	// FeatureOrderPlatform indicates that memory accesses must be ordered in a
	// way suitable for hardware devices described by the platform.
	FeatureOrderPlatform Feature = 1 << 36

	// FeatureRingReset indicates that the driver can reset a queue
	// individually.
	FeatureRingReset Feature = 1 << 40
)

// featureNames maps the config spelling of a feature to its bit.
var featureNames = map[string]Feature{
	"indirect_desc":   FeatureIndirectDescriptors,
	"event_idx":       FeatureEventIndex,
	"version_1":       FeatureVersion1,
	"access_platform": FeatureAccessPlatform,
	"ring_packed":     FeatureRingPacked,
	"in_order":        FeatureInOrder,
	"order_platform":  FeatureOrderPlatform,
	"ring_reset":      FeatureRingReset,
}

// ParseFeature returns the feature bit for a name like "version_1" or
// "indirect_desc". Raw bit numbers are accepted as "bit_<n>".
func ParseFeature(name string) (Feature, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if f, ok := featureNames[name]; ok {
		return f, nil
	}

	var n uint
	if _, err := fmt.Sscanf(name, "bit_%d", &n); err == nil && n < 64 {
		return Feature(1) << n, nil
	}

	return 0, fmt.Errorf("unknown virtio feature %q", name)
}

// ParseFeatures ORs together the named features.
func ParseFeatures(names []string) (Feature, error) {
	var f Feature
	for _, name := range names {
		b, err := ParseFeature(name)
		if err != nil {
			return 0, err
		}
		f |= b
	}
	return f, nil
}

// Has reports whether all bits of o are set in f.
func (f Feature) Has(o Feature) bool {
	return f&o == o
}

// Low returns the feature word selected by feature-select value 0.
func (f Feature) Low() uint32 {
	return uint32(f)
}

// High returns the feature word selected by feature-select value 1.
func (f Feature) High() uint32 {
	return uint32(f >> 32)
}

// FeatureFromWords reassembles a feature set from its two 32-bit words.
func FeatureFromWords(low, high uint32) Feature {
	return Feature(high)<<32 | Feature(low)
}

// String lists the known feature names, followed by any unnamed bits.
func (f Feature) String() string {
	if f == 0 {
		return "none"
	}

	var parts []string
	rest := f
	for name, b := range featureNames {
		if f&b != 0 {
			parts = append(parts, name)
			rest &^= b
		}
	}
	sort.Strings(parts)

	for rest != 0 {
		n := bits.TrailingZeros64(uint64(rest))
		parts = append(parts, fmt.Sprintf("bit_%d", n))
		rest &^= 1 << n
	}

	return strings.Join(parts, "|")
}

// Negotiate intersects the bits offered by the device with the bits the driver
// supports. It returns the common set and the required bits that did not make
// it into the common set.
func Negotiate(offered, supported, required Feature) (common, missing Feature) {
	common = offered & supported
	missing = required &^ common
	return
}
