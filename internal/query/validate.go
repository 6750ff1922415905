package query

import (
	"fmt"
	"slices"
	"sort"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Validate parses the document and checks that the variable payload carries exactly the
// declared operation variables and that every fragment is both defined and used.
func Validate(doc Document) error {
	parsed, err := parser.ParseQuery(&ast.Source{Name: doc.Operation, Input: doc.Text})
	if err != nil {
		return fmt.Errorf("parse %s: %w", doc.Operation, err)
	}
	if len(parsed.Operations) != 1 {
		return fmt.Errorf("document %s must contain exactly one operation", doc.Operation)
	}

	declared := DeclaredVariables(parsed.Operations[0])
	sent := make([]string, 0, len(doc.Variables))
	for name := range doc.Variables {
		sent = append(sent, name)
	}
	sort.Strings(sent)
	if !slices.Equal(declared, sent) {
		return fmt.Errorf("document %s declares %v but sends %v", doc.Operation, declared, sent)
	}

	spreads := make(map[string]struct{})
	collectSpreads(parsed.Operations[0].SelectionSet, spreads)
	for _, fragment := range parsed.Fragments {
		collectSpreads(fragment.SelectionSet, spreads)
	}
	for name := range spreads {
		if parsed.Fragments.ForName(name) == nil {
			return fmt.Errorf("document %s spreads undefined fragment %s", doc.Operation, name)
		}
	}
	for _, fragment := range parsed.Fragments {
		if _, ok := spreads[fragment.Name]; !ok {
			return fmt.Errorf("document %s defines unused fragment %s", doc.Operation, fragment.Name)
		}
	}
	return nil
}

// DeclaredVariables returns the sorted variable names an operation declares.
func DeclaredVariables(operation *ast.OperationDefinition) []string {
	names := make([]string, 0, len(operation.VariableDefinitions))
	for _, definition := range operation.VariableDefinitions {
		names = append(names, definition.Variable)
	}
	sort.Strings(names)
	return names
}

func collectSpreads(set ast.SelectionSet, into map[string]struct{}) {
	for _, selection := range set {
		switch typed := selection.(type) {
		case *ast.Field:
			collectSpreads(typed.SelectionSet, into)
		case *ast.InlineFragment:
			collectSpreads(typed.SelectionSet, into)
		case *ast.FragmentSpread:
			into[typed.Name] = struct{}{}
		}
	}
}
