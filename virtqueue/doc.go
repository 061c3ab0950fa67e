// Package virtqueue implements the driver side of a split virtqueue as
// defined by virtio 1.2:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-350007
//
// The queue lives in one region of bus memory in the legacy contiguous layout:
// descriptor table, available ring, and the used ring on the next 4096 byte
// boundary. Ring headers are read and written as single 32-bit atomics, which
// assumes a little-endian host.
//
// Descriptor ownership is tracked in driver memory, so a device that corrupts
// the rings is detected as a [ProtocolError] instead of corrupting the free
// list.
package virtqueue
