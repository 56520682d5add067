package iampolicy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ============================================================================
// POLICY DSL PARSER
// ============================================================================

// Parser translates the JSON condition DSL stored on a policy row into the
// typed condition tree. Every schema, operator and arity problem surfaces as
// an error here so that malformed policies are rejected at write time and
// never reach the evaluator half-parsed.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

// ParsePolicy parses a stored policy row into its evaluation document.
func (p *Parser) ParsePolicy(pol *Policy) (*PolicyDocument, error) {
	return p.Parse(pol.Resource, pol.Actions, pol.Effect, pol.ConditionJSON)
}

// Parse combines policy metadata with its condition JSON into a PolicyDocument.
func (p *Parser) Parse(resource string, actions []string, effect PolicyEffect, conditionJSON string) (*PolicyDocument, error) {
	if strings.TrimSpace(resource) == "" {
		return nil, fmt.Errorf("policy resource must not be blank")
	}
	normalized, err := NormalizeActions(actions)
	if err != nil {
		return nil, fmt.Errorf("policy actions: %w", err)
	}
	version, condition, err := p.ParseCondition(conditionJSON)
	if err != nil {
		return nil, err
	}
	return &PolicyDocument{
		Version:   version,
		Resource:  strings.TrimSpace(resource),
		Actions:   normalized,
		Effect:    effect,
		Condition: condition,
	}, nil
}

// ParseCondition parses condition JSON alone, returning the document version
// and the condition tree. The version comes from an explicit "version" field
// or falls back to DSLVersion; the condition is read from "condition", then
// "conditions", then the remaining root keys as a shorthand match map.
func (p *Parser) ParseCondition(conditionJSON string) (string, ConditionNode, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal([]byte(conditionJSON), &root); err != nil || root == nil {
		return "", nil, fmt.Errorf("condition must be a JSON object")
	}

	version := DSLVersion
	if raw, ok := root["version"]; ok && !isJSONNull(raw) {
		v, err := parseScalar(raw)
		if err != nil {
			return "", nil, fmt.Errorf("version field: %w", err)
		}
		if v != "" {
			version = v
		}
	}

	var node ConditionNode
	var err error
	if raw, ok := root["condition"]; ok && !isJSONNull(raw) {
		node, err = p.parseNode(raw)
	} else if raw, ok := root["conditions"]; ok && !isJSONNull(raw) {
		node, err = p.parseNode(raw)
	} else {
		// Null-valued wrapper keys count as absent and must not leak into the
		// shorthand match map.
		delete(root, "version")
		delete(root, "condition")
		delete(root, "conditions")
		node, err = p.parseImplicitMatches(root)
	}
	if err != nil {
		return "", nil, err
	}
	return version, node, nil
}

// parseNode interprets one object of the tree. Explicit keys take priority in
// the order all > any > not > match; anything else is shorthand matching over
// the object's own keys.
func (p *Parser) parseNode(raw json.RawMessage) (ConditionNode, error) {
	obj, err := asObject(raw)
	if err != nil {
		return nil, fmt.Errorf("policy condition must be a JSON object")
	}
	if child, ok := obj["all"]; ok {
		return p.parseGroup(child, "all")
	}
	if child, ok := obj["any"]; ok {
		return p.parseGroup(child, "any")
	}
	if child, ok := obj["not"]; ok {
		inner, err := p.parseNode(child)
		if err != nil {
			return nil, err
		}
		return NotCondition{Condition: inner}, nil
	}
	if child, ok := obj["match"]; ok {
		return p.parseMatch(child)
	}
	return p.parseImplicitMatches(obj)
}

// parseGroup turns an "all"/"any" array into the corresponding AND/OR block.
func (p *Parser) parseGroup(raw json.RawMessage, key string) (ConditionNode, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%q value must be a JSON array", key)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%q block requires at least one child condition", key)
	}
	children := make([]ConditionNode, 0, len(items))
	for _, item := range items {
		child, err := p.parseNode(item)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if key == "any" {
		return AnyConditions{Conditions: children}, nil
	}
	return AllConditions{Conditions: children}, nil
}

// parseMatch reads an explicit match block: attribute, op and one of
// value/values/range.
func (p *Parser) parseMatch(raw json.RawMessage) (ConditionNode, error) {
	obj, err := asObject(raw)
	if err != nil {
		return nil, fmt.Errorf("match block must be a JSON object")
	}

	var attrRaw string
	if r, ok := obj["attribute"]; ok {
		if err := json.Unmarshal(r, &attrRaw); err != nil {
			return nil, fmt.Errorf("match attribute must be a string")
		}
	}
	attribute, err := parseAttribute(attrRaw)
	if err != nil {
		return nil, err
	}

	var opRaw string
	if r, ok := obj["op"]; ok {
		if err := json.Unmarshal(r, &opRaw); err != nil {
			return nil, fmt.Errorf("match op must be a string")
		}
	}
	operator, err := parseOperator(opRaw)
	if err != nil {
		return nil, err
	}

	var values []string
	switch {
	case hasKey(obj, "range"):
		values, err = parseRange(obj["range"])
	case hasKey(obj, "values"):
		values, err = parseValueArray(obj["values"])
	case hasKey(obj, "value"):
		var v string
		v, err = parseScalar(obj["value"])
		values = []string{v}
	default:
		return nil, fmt.Errorf("match block requires one of value, values or range")
	}
	if err != nil {
		return nil, err
	}

	if err := validateOperator(operator, values); err != nil {
		return nil, err
	}
	return MatchCondition{Attribute: attribute, Operator: operator, Values: values}, nil
}

// parseImplicitMatches reads the shorthand form, one attribute per key:
// scalar value means EQ, array means IN, object is rejected. Keys are sorted
// so the same JSON always yields a structurally identical tree.
func (p *Parser) parseImplicitMatches(obj map[string]json.RawMessage) (ConditionNode, error) {
	if len(obj) == 0 {
		return nil, fmt.Errorf("condition map is empty")
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	matches := make([]ConditionNode, 0, len(keys))
	for _, key := range keys {
		attribute, err := parseAttribute(key)
		if err != nil {
			return nil, err
		}
		raw := bytes.TrimSpace(obj[key])
		var operator AttributeOperator
		var values []string
		switch {
		case len(raw) > 0 && raw[0] == '[':
			operator = OpIn
			values, err = parseValueArray(raw)
		case len(raw) > 0 && raw[0] == '{':
			return nil, fmt.Errorf("object values are not supported in shorthand conditions, use a match block: %s", key)
		default:
			operator = OpEQ
			var v string
			v, err = parseScalar(raw)
			values = []string{v}
		}
		if err != nil {
			return nil, err
		}
		if err := validateOperator(operator, values); err != nil {
			return nil, err
		}
		matches = append(matches, MatchCondition{Attribute: attribute, Operator: operator, Values: values})
	}

	if len(matches) == 1 {
		return matches[0], nil
	}
	return AllConditions{Conditions: matches}, nil
}

// parseAttribute splits "scope.path" and validates the scope prefix.
func parseAttribute(raw string) (AttributeReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AttributeReference{}, fmt.Errorf("attribute name must not be blank")
	}
	prefix, path, found := strings.Cut(trimmed, ".")
	if !found || strings.TrimSpace(path) == "" {
		return AttributeReference{}, fmt.Errorf("attribute must use scope.path form: %s", raw)
	}
	var scope AttributeScope
	switch strings.ToLower(prefix) {
	case string(ScopeUser):
		scope = ScopeUser
	case string(ScopeResource):
		scope = ScopeResource
	case string(ScopeEnvironment):
		scope = ScopeEnvironment
	default:
		return AttributeReference{}, fmt.Errorf("unknown attribute scope: %s", prefix)
	}
	return AttributeReference{Scope: scope, Path: strings.TrimSpace(path)}, nil
}

var operatorNames = map[string]AttributeOperator{
	"EQ": OpEQ, "NEQ": OpNEQ, "IN": OpIn, "NOT_IN": OpNotIn,
	"CONTAINS": OpContains, "CIDR": OpCIDR, "REGEX": OpRegex,
	"GT": OpGT, "GTE": OpGTE, "LT": OpLT, "LTE": OpLTE, "BETWEEN": OpBetween,
}

func parseOperator(raw string) (AttributeOperator, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("operator (op) must not be blank")
	}
	op, ok := operatorNames[strings.ToUpper(trimmed)]
	if !ok {
		return "", fmt.Errorf("unsupported operator: %s", raw)
	}
	return op, nil
}

func parseRange(raw json.RawMessage) ([]string, error) {
	values, err := parseValueArray(raw)
	if err != nil {
		return nil, err
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("range field requires exactly two values")
	}
	return values, nil
}

func parseValueArray(raw json.RawMessage) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("values field must be a JSON array")
	}
	values := make([]string, 0, len(items))
	for _, item := range items {
		v, err := parseScalar(item)
		if err != nil {
			return nil, err
		}
		if v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("values array must not be empty")
	}
	return values, nil
}

// parseScalar converts a JSON string, number or boolean to its string form.
// Numbers keep their literal text so "30" never becomes "30.0".
func parseScalar(raw json.RawMessage) (string, error) {
	if isJSONNull(raw) {
		return "", fmt.Errorf("condition values must be strings, numbers or booleans")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return "true", nil
		}
		return "false", nil
	}
	return "", fmt.Errorf("condition values must be strings, numbers or booleans")
}

// validateOperator enforces per-operator arity and operand format.
func validateOperator(op AttributeOperator, values []string) error {
	switch op {
	case OpBetween:
		if len(values) != 2 {
			return fmt.Errorf("BETWEEN operator requires exactly two values")
		}
	case OpIn, OpNotIn:
		if len(values) == 0 {
			return fmt.Errorf("%s operator requires at least one value", op)
		}
	case OpCIDR:
		if len(values) != 1 {
			return fmt.Errorf("CIDR operator requires a single value")
		}
		if !strings.Contains(values[0], "/") {
			return fmt.Errorf("CIDR operator requires CIDR notation (x.x.x.x/yy)")
		}
	case OpRegex:
		if len(values) != 1 {
			return fmt.Errorf("REGEX operator requires a single pattern")
		}
		if _, err := regexp.Compile(values[0]); err != nil {
			return fmt.Errorf("invalid regular expression: %v", err)
		}
	default:
		if len(values) != 1 {
			return fmt.Errorf("%s operator requires a single value", op)
		}
	}
	return nil
}

func asObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return obj, nil
}

func hasKey(obj map[string]json.RawMessage, key string) bool {
	_, ok := obj[key]
	return ok
}

func isJSONNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
