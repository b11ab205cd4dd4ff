// Package taskspec defines the static, externally-submitted description of
// a DAG and its tasks: the declarative document named in spec.md §6,
// parsed into the in-memory types internal/dag builds a runtime graph from.
package taskspec

// FailureClass classifies how a task's failure affects its dependents.
type FailureClass string

const (
	// Ignorable failures record a debt but do not block dependents.
	Ignorable FailureClass = "ignorable"
	// Blocking failures freeze downstream nodes and fail the run.
	Blocking FailureClass = "blocking"
)

// LevelKind tags which of the four decision-gate variants a Level holds.
// Variants are a tagged union with explicit match, per spec.md §9.
type LevelKind string

const (
	LevelMechanical  LevelKind = "mechanical"
	LevelRecommended LevelKind = "recommended"
	LevelConfirmed   LevelKind = "confirmed"
	LevelArbitrated  LevelKind = "arbitrated"
)

// RecommendedDefault is the action applied when a Recommended level's
// countdown expires without an override.
type RecommendedDefault string

const (
	DefaultExecute RecommendedDefault = "execute"
	DefaultSkip    RecommendedDefault = "skip"
	DefaultAbort   RecommendedDefault = "abort"
)

// Level is a tagged union over the four decision-gate variants. Exactly the
// fields matching Kind are meaningful; callers must switch on Kind before
// reading the rest, never infer the variant from which fields are zero.
type Level struct {
	Kind LevelKind `yaml:"kind" json:"kind"`

	// Mechanical
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`

	// Recommended
	Default    RecommendedDefault `yaml:"default,omitempty" json:"default,omitempty"`
	TimeoutSec int                `yaml:"timeout_secs,omitempty" json:"timeout_secs,omitempty"`

	// Confirmed has no parameters beyond the shared timeout below.
	ConfirmTimeoutSec int `yaml:"confirm_timeout_secs,omitempty" json:"confirm_timeout_secs,omitempty"`

	// Arbitrated
	Stakeholders      []string `yaml:"stakeholders,omitempty" json:"stakeholders,omitempty"`
	ApprovalThreshold float64  `yaml:"approval_threshold,omitempty" json:"approval_threshold,omitempty"`
	VoteTimeoutSec    int      `yaml:"vote_timeout_secs,omitempty" json:"vote_timeout_secs,omitempty"`
}

// AmbiguityKind tags the policy applied when an upstream layer reports a
// task's input as ambiguous, per spec.md §4.6.
type AmbiguityKind string

const (
	AmbiguityAutoBest  AmbiguityKind = "auto_best"
	AmbiguitySuggest   AmbiguityKind = "suggest"
	AmbiguityAsk       AmbiguityKind = "ask"
	AmbiguityEscalate  AmbiguityKind = "escalate"
	AmbiguityUnset     AmbiguityKind = ""
)

// AmbiguityPolicy optionally degrades a task's Level. EffectiveLevel applies
// it whenever Kind is set; no report of ambiguous input is consulted.
type AmbiguityPolicy struct {
	Kind       AmbiguityKind      `yaml:"kind,omitempty" json:"kind,omitempty"`
	Default    RecommendedDefault `yaml:"default,omitempty" json:"default,omitempty"`
	TimeoutSec int                `yaml:"timeout_secs,omitempty" json:"timeout_secs,omitempty"`
}

// Degrade returns the Level this policy forces base into, per spec.md
// §4.6: AutoBest proceeds with base unchanged; Suggest degenerates to
// Recommended; Ask to Confirmed; Escalate to Arbitrated.
func (p AmbiguityPolicy) Degrade(base Level) Level {
	switch p.Kind {
	case AmbiguitySuggest:
		return Level{Kind: LevelRecommended, Default: p.Default, TimeoutSec: p.TimeoutSec}
	case AmbiguityAsk:
		return Level{Kind: LevelConfirmed, ConfirmTimeoutSec: p.TimeoutSec}
	case AmbiguityEscalate:
		return Level{Kind: LevelArbitrated, Stakeholders: base.Stakeholders, VoteTimeoutSec: p.TimeoutSec}
	default:
		return base
	}
}

// NodeSelector restricts which worker host a task may be dispatched to.
type NodeSelector struct {
	Arch          string            `yaml:"arch,omitempty" json:"arch,omitempty"`
	OS            string            `yaml:"os,omitempty" json:"os,omitempty"`
	Features      []string          `yaml:"features,omitempty" json:"features,omitempty"`
	Labels        map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	MinCPUCount   int               `yaml:"min_cpu,omitempty" json:"min_cpu,omitempty"`
	MinMemoryMB   int               `yaml:"min_memory_mb,omitempty" json:"min_memory_mb,omitempty"`
}

// IsZero reports whether the selector has no constraints and matches any
// worker host.
func (s NodeSelector) IsZero() bool {
	return s.Arch == "" && s.OS == "" && len(s.Features) == 0 && len(s.Labels) == 0 &&
		s.MinCPUCount == 0 && s.MinMemoryMB == 0
}

// SkillInvocation identifies an opaque skill and the parameters it is
// invoked with. The core never inspects what a skill id names, per
// spec.md §1/§9.
type SkillInvocation struct {
	SkillID string         `yaml:"skill_id" json:"skill_id"`
	Params  map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// TaskSpec is the static description of one unit of work, per spec.md §3.
type TaskSpec struct {
	ID           string            `yaml:"id" json:"id"`
	Title        string            `yaml:"title,omitempty" json:"title,omitempty"`
	Group        string            `yaml:"group,omitempty" json:"group,omitempty"`
	DependsOn    []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Level        Level             `yaml:"level" json:"level"`
	Ambiguity    AmbiguityPolicy   `yaml:"ambiguity,omitempty" json:"ambiguity,omitempty"`
	Inputs       []string          `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	InputGlobs   []string          `yaml:"input_globs,omitempty" json:"input_globs,omitempty"`
	Outputs      []string          `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Rollback     []string          `yaml:"rollback,omitempty" json:"rollback,omitempty"`
	Idempotent   bool              `yaml:"idempotent,omitempty" json:"idempotent,omitempty"`
	FailureClass FailureClass      `yaml:"failure_class,omitempty" json:"failure_class,omitempty"`
	Skill        *SkillInvocation  `yaml:"skill,omitempty" json:"skill,omitempty"`
	Command      string            `yaml:"command,omitempty" json:"command,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Priority     int               `yaml:"priority,omitempty" json:"priority,omitempty"`
	Selector     *NodeSelector     `yaml:"selector,omitempty" json:"selector,omitempty"`
	RuntimeKind  string            `yaml:"runtime_kind,omitempty" json:"runtime_kind,omitempty"`
	MemoryKeys   []string          `yaml:"memory_keys,omitempty" json:"memory_keys,omitempty"`
}

// EffectiveLevel returns the task's gate Level, degraded by its Ambiguity
// policy when one is set.
func (t TaskSpec) EffectiveLevel() Level {
	if t.Ambiguity.Kind == AmbiguityUnset || t.Ambiguity.Kind == AmbiguityAutoBest {
		return t.Level
	}
	return t.Ambiguity.Degrade(t.Level)
}

// ScopeKind tags the four addressing partitions named in spec.md's
// glossary.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeProject ScopeKind = "project"
	ScopeUser    ScopeKind = "user"
	ScopeType    ScopeKind = "type"
)

// Scope is the addressing partition a DagSpec belongs to.
type Scope struct {
	Kind ScopeKind `yaml:"kind" json:"kind"`
	ID   string    `yaml:"id,omitempty" json:"id,omitempty"`
}

// DagSpec is the externally addressable identity of a submitted DAG, per
// spec.md §3. ContentHash is computed over the TaskSpec set by Hash; equal
// content yields an equal hash.
type DagSpec struct {
	DagID       string     `yaml:"dag_id" json:"dag_id"`
	Scope       Scope      `yaml:"scope" json:"scope"`
	Version     int        `yaml:"version" json:"version"`
	ContentHash string     `yaml:"content_hash,omitempty" json:"content_hash,omitempty"`
	TargetNode  string     `yaml:"target_node,omitempty" json:"target_node,omitempty"`
	Tasks       []TaskSpec `yaml:"tasks" json:"tasks"`
}

// SameDeployment reports whether two DagSpecs are the same logical
// deployment: identical (dag_id, content_hash).
func (d DagSpec) SameDeployment(other DagSpec) bool {
	return d.DagID == other.DagID && d.ContentHash == other.ContentHash
}
