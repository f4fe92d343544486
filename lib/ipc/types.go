// Copyright 2026 The Uniqued Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

// Bus identity of the deduplication service.
const (
	// BusName is the well-known name the daemon owns on the session bus.
	BusName = "org.freedesktop.portal.Unique"

	// ObjectPath is the object the methods are registered on.
	ObjectPath = "/org/freedesktop/portal/unique"

	// Interface is the method interface name.
	Interface = "org.freedesktop.portal.Unique"
)

// Method names on Interface.
const (
	MethodMakeUnique = "MakeUnique"
	MethodForget     = "Forget"
)

// Error codes carried in error replies. These are the only failure
// kinds the daemon produces; transport-level failures surface as plain
// Go errors on the client side.
const (
	// ErrorInvalidArgs covers bad argument signatures, a missing or
	// out-of-range fd-handle, an unsealed descriptor, and an
	// unreadable descriptor.
	ErrorInvalidArgs = "invalid-args"

	// ErrorInternal covers descriptor-list manipulation failures
	// inside the daemon.
	ErrorInternal = "internal"

	// ErrorUnknownMethod is returned for a call to a method that is
	// not implemented on the interface.
	ErrorUnknownMethod = "unknown-method"
)

// IntrospectionXML is the authoritative description of the interface,
// in the classic introspection format.
const IntrospectionXML = `<node>
  <interface name='org.freedesktop.portal.Unique'>
    <method name='MakeUnique'>
      <arg type='h' name='memfd'  direction='in'/>
      <arg type='ah' name='content' direction='out'/>
      <arg type='u' name='handle' direction='out'/>
    </method>
    <method name='Forget'>
      <arg type='u' name='handle' direction='in'/>
    </method>
  </interface>
</node>`

// MakeUniqueRequest carries the single in-argument of MakeUnique: the
// fd-handle of the sealed memory file, an index into the message's
// attached descriptor list. Signature (h).
type MakeUniqueRequest struct {
	Memfd int32 `cbor:"memfd"`
}

// MakeUniqueReply carries the out-arguments of MakeUnique. Signature
// (ahu). On a content hit, Content holds exactly one fd-handle
// pointing at the canonical descriptor in the reply's descriptor
// list; on a miss it is empty and the caller keeps using its own
// submission. Handle names the reference the daemon now holds for
// this sender; pass it to Forget to release.
type MakeUniqueReply struct {
	Content []int32 `cbor:"content"`
	Handle  uint32  `cbor:"handle"`
}

// ForgetRequest carries the single in-argument of Forget. Signature (u).
type ForgetRequest struct {
	Handle uint32 `cbor:"handle"`
}

// ForgetReply is the empty tuple Forget always replies with.
type ForgetReply struct{}
