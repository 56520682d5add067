package iampolicy

// ============================================================================
// CONDITION DSL MODEL
// ============================================================================

// ConditionNode is the closed set of nodes a policy condition tree is built
// from. Exactly four kinds exist: AllConditions, AnyConditions, NotCondition
// and MatchCondition. Consumers switch exhaustively on the concrete type.
type ConditionNode interface {
	isConditionNode()
}

// AllConditions is true iff every child condition is true. Never empty.
type AllConditions struct {
	Conditions []ConditionNode
}

// AnyConditions is true iff at least one child condition is true. Never empty.
type AnyConditions struct {
	Conditions []ConditionNode
}

// NotCondition negates its single child.
type NotCondition struct {
	Condition ConditionNode
}

// MatchCondition is a leaf comparison of one attribute against literal values.
// Values is never empty; arity per operator is enforced by the parser.
type MatchCondition struct {
	Attribute AttributeReference
	Operator  AttributeOperator
	Values    []string
}

func (AllConditions) isConditionNode()  {}
func (AnyConditions) isConditionNode()  {}
func (NotCondition) isConditionNode()   {}
func (MatchCondition) isConditionNode() {}

// AttributeReference names one attribute as scope + path ("user.department").
type AttributeReference struct {
	Scope AttributeScope
	Path  string
}

// AttributeScope selects which attribute map a reference reads from.
type AttributeScope string

const (
	ScopeUser        AttributeScope = "user"
	ScopeResource    AttributeScope = "resource"
	ScopeEnvironment AttributeScope = "env"
)

// AttributeOperator is the comparison applied by a MatchCondition leaf.
type AttributeOperator string

const (
	OpEQ       AttributeOperator = "EQ"
	OpNEQ      AttributeOperator = "NEQ"
	OpIn       AttributeOperator = "IN"
	OpNotIn    AttributeOperator = "NOT_IN"
	OpContains AttributeOperator = "CONTAINS"
	OpCIDR     AttributeOperator = "CIDR"
	OpRegex    AttributeOperator = "REGEX"
	OpGT       AttributeOperator = "GT"
	OpGTE      AttributeOperator = "GTE"
	OpLT       AttributeOperator = "LT"
	OpLTE      AttributeOperator = "LTE"
	OpBetween  AttributeOperator = "BETWEEN"
)

// PolicyDocument is the parsed, in-memory form of one stored policy: row
// metadata plus the condition tree. It is never persisted.
type PolicyDocument struct {
	Version   string
	Resource  string
	Actions   []string
	Effect    PolicyEffect
	Condition ConditionNode
}

// DSLVersion is the default DSL version stamped on documents whose JSON
// carries no explicit version field. Bump when the format changes shape.
const DSLVersion = "2025-12-15"
