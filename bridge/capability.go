package bridge

import "strings"

// Capability is one operation a provider may support.
type Capability uint32

const (
	CapList Capability = 1 << iota
	CapStat
	CapReadStream
	CapWriteStream
	CapRename
	CapRecursiveRemove
	CapMakeDir
	CapSymlink
	CapSetPermissions
	CapRemove
	// CapMultiConnection means the provider may be called concurrently.
	CapMultiConnection
)

var capNames = []struct {
	c    Capability
	name string
}{
	{CapList, "list"},
	{CapStat, "stat"},
	{CapReadStream, "read-stream"},
	{CapWriteStream, "write-stream"},
	{CapRename, "rename"},
	{CapRecursiveRemove, "recursive-remove"},
	{CapMakeDir, "make-directory"},
	{CapSymlink, "symlink"},
	{CapSetPermissions, "set-permissions"},
	{CapRemove, "remove"},
	{CapMultiConnection, "multi-connection"},
}

func (c Capability) String() string {
	for _, n := range capNames {
		if n.c == c {
			return n.name
		}
	}
	return "unknown"
}

// CapabilitySet is the subset of operations a provider advertises.
type CapabilitySet uint32

// AllCapabilities is what a full POSIX-like provider advertises.
const AllCapabilities = CapabilitySet(CapList | CapStat | CapReadStream | CapWriteStream |
	CapRename | CapRecursiveRemove | CapMakeDir | CapSymlink | CapSetPermissions | CapRemove)

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= CapabilitySet(c)
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(c) != 0
}

func (s CapabilitySet) With(caps ...Capability) CapabilitySet {
	return s | NewCapabilitySet(caps...)
}

func (s CapabilitySet) Without(caps ...Capability) CapabilitySet {
	return s &^ NewCapabilitySet(caps...)
}

// Names lists the advertised capabilities in declaration order.
func (s CapabilitySet) Names() []string {
	names := make([]string, 0, len(capNames))
	for _, n := range capNames {
		if s.Has(n.c) {
			names = append(names, n.name)
		}
	}
	return names
}

func (s CapabilitySet) String() string {
	return strings.Join(s.Names(), ",")
}
