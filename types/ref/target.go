package ref

import "fmt"

// TargetKind selects where a built image is sent
type TargetKind int

const (
	// TargetRegistry pushes to a remote registry
	TargetRegistry TargetKind = iota
	// TargetLocalDaemon loads into a local container engine
	TargetLocalDaemon
)

// PushTarget is a destination for a built image.
// Registry targets carry a fully qualified reference, daemon targets carry the daemon kind
// and a reference whose repository and tag name the loaded image.
type PushTarget struct {
	Kind   TargetKind
	Ref    Ref
	Daemon string
}

// Registry returns a registry push target
func Registry(r Ref) PushTarget {
	return PushTarget{Kind: TargetRegistry, Ref: r}
}

// LocalDaemon returns a local daemon push target
func LocalDaemon(kind string, r Ref) PushTarget {
	return PushTarget{Kind: TargetLocalDaemon, Ref: r, Daemon: kind}
}

// String describes the target for logs and diagnostics
func (p PushTarget) String() string {
	switch p.Kind {
	case TargetLocalDaemon:
		return fmt.Sprintf("%s://%s:%s", p.Daemon, p.Ref.Repository, p.Ref.Tag)
	default:
		return p.Ref.CommonName()
	}
}
