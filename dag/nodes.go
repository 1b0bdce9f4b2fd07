package dag

import (
	"sync/atomic"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/hashing"
)

// ArtifactKind says where an artifact's content comes from.
type ArtifactKind int8

const (
	// KindLocal names a file in a workspace root.
	KindLocal ArtifactKind = iota
	// KindKnown carries a digest known up front.
	KindKnown
	// KindAction is the output of an action at a declared path.
	KindAction
)

// ArtifactDesc describes an artifact node. The ID is the caller-provided
// content-derived identifier that makes AddArtifact idempotent.
type ArtifactDesc struct {
	ID   string
	Kind ArtifactKind

	// Local artifacts.
	Path       string
	Repository string

	// Known artifacts.
	Digest hashing.Digest
	Type   anvil.ObjectType

	// Action artifacts: the producing action and the output path.
	ActionID   string
	OutputPath string
}

// ActionKind distinguishes ordinary command actions from the built-in
// directory constructions.
type ActionKind int8

const (
	// KindCommand runs a command line in a staged input root.
	KindCommand ActionKind = iota
	// KindTree assembles a directory from its inputs without running
	// anything.
	KindTree
	// KindTreeOverlay folds its input trees left to right into one tree.
	KindTreeOverlay
	// KindDisjointTreeOverlay is KindTreeOverlay, rejecting conflicts.
	KindDisjointTreeOverlay
)

// ActionDesc describes an action node.
type ActionDesc struct {
	ID   string
	Kind ActionKind

	Command      []string
	Env          map[string]string
	Cwd          string
	MayFail      *string
	NoCache      bool
	TimeoutScale float64

	// ExecutionProperties overlay the base platform properties of the
	// backend; they also steer dispatch to alternative endpoints.
	ExecutionProperties map[string]string
}

// NamedArtifact relates a path inside an action's staging root or output
// set to an artifact node.
type NamedArtifact struct {
	Path     string
	Artifact ArtifactID
}

// traversalState is the lock-free bookkeeping the traverser keeps per node.
// All flags are set-once latches.
type traversalState struct {
	discovered atomic.Bool
	queued     atomic.Bool
	required   atomic.Bool
}

// GetAndMarkDiscovered latches discovery; it returns false for the caller
// that set the flag first.
func (s *traversalState) GetAndMarkDiscovered() bool {
	return s.discovered.Swap(true)
}

// GetAndMarkQueuedToBeProcessed latches processing; at most one caller per
// readiness transition observes false and gets to process the node.
func (s *traversalState) GetAndMarkQueuedToBeProcessed() bool {
	return s.queued.Swap(true)
}

// IsDiscovered reports whether the node was ever enqueued.
func (s *traversalState) IsDiscovered() bool {
	return s.discovered.Load()
}

// MarkRequired records that a dependent needs this node.
func (s *traversalState) MarkRequired() {
	s.required.Store(true)
}

// IsRequired reports whether any dependent needs this node.
func (s *traversalState) IsRequired() bool {
	return s.required.Load()
}

// ArtifactNode is a node of the artifact partition. It has at most one
// builder action (child) and any number of consumers (parents).
type ArtifactNode struct {
	traversalState

	id        ArtifactID
	desc      ArtifactDesc
	builder   ActionID
	consumers []ActionID

	available atomic.Bool
	info      atomic.Pointer[anvil.ObjectInfo]
}

// ID returns the node's graph id.
func (n *ArtifactNode) ID() ArtifactID { return n.id }

// Desc returns the artifact descriptor.
func (n *ArtifactNode) Desc() ArtifactDesc { return n.desc }

// HasBuilder reports whether an action produces this artifact.
func (n *ArtifactNode) HasBuilder() bool { return n.builder >= 0 }

// Builder returns the producing action; only valid if HasBuilder.
func (n *ArtifactNode) Builder() ActionID { return n.builder }

// Consumers returns the actions that stage this artifact as an input.
func (n *ArtifactNode) Consumers() []ActionID { return n.consumers }

// SetObjectInfo stamps the build result onto the node. The info pointer is
// published before the available flag so that IsAvailable acts as the
// acquire side of the pair.
func (n *ArtifactNode) SetObjectInfo(info anvil.ObjectInfo) {
	n.info.Store(&info)
	n.available.Store(true)
}

// IsAvailable reports whether the artifact's content is known and present.
func (n *ArtifactNode) IsAvailable() bool {
	return n.available.Load()
}

// ObjectInfo returns the stamped result, or nil before availability.
func (n *ArtifactNode) ObjectInfo() *anvil.ObjectInfo {
	return n.info.Load()
}

// ActionNode is a node of the action partition. Its children are the input
// artifacts, its parents the output artifacts.
type ActionNode struct {
	traversalState

	id          ActionID
	desc        ActionDesc
	inputs      []NamedArtifact
	outputFiles []NamedArtifact
	outputDirs  []NamedArtifact

	unavailableDeps atomic.Int32
}

// ID returns the node's graph id.
func (n *ActionNode) ID() ActionID { return n.id }

// Desc returns the action descriptor.
func (n *ActionNode) Desc() ActionDesc { return n.desc }

// Inputs returns the named input artifacts in staging order.
func (n *ActionNode) Inputs() []NamedArtifact { return n.inputs }

// OutputFiles returns the declared output files in declaration order.
func (n *ActionNode) OutputFiles() []NamedArtifact { return n.outputFiles }

// OutputDirs returns the declared output directories in declaration order.
func (n *ActionNode) OutputDirs() []NamedArtifact { return n.outputDirs }

// Outputs returns all output artifacts, files first.
func (n *ActionNode) Outputs() []NamedArtifact {
	out := make([]NamedArtifact, 0, len(n.outputFiles)+len(n.outputDirs))
	out = append(out, n.outputFiles...)
	out = append(out, n.outputDirs...)
	return out
}

// InitUnavailableDeps arms the readiness counter with the number of inputs.
// Called once when graph construction completes.
func (n *ActionNode) InitUnavailableDeps() {
	n.unavailableDeps.Store(int32(len(n.inputs)))
}

// NotifyDepAvailable decrements the readiness counter and reports whether
// this call made the action ready. Exactly one caller observes true.
func (n *ActionNode) NotifyDepAvailable() bool {
	return n.unavailableDeps.Add(-1) == 0
}

// IsReady reports whether all inputs are available.
func (n *ActionNode) IsReady() bool {
	return n.unavailableDeps.Load() == 0
}
