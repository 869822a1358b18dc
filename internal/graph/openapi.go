package graph

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// ErrInvalidSpec is returned when an OpenAPI document cannot be used as a
// state source.
var ErrInvalidSpec = errors.New("graph: invalid OpenAPI specification")

// FromOpenAPI builds a graph with one state per operation of the OpenAPI 3
// document at path. States carry a request template for their operation and
// have no transitions; callers typically follow up with CompleteTransitions.
func FromOpenAPI(path string) (*Graph, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSpec, path, err)
	}
	return fromDocument(doc)
}

// FromOpenAPIData is FromOpenAPI for an in-memory JSON or YAML document.
func FromOpenAPIData(data []byte) (*Graph, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return fromDocument(doc)
}

func fromDocument(doc *openapi3.T) (*Graph, error) {
	if doc.Paths == nil || doc.Paths.Len() == 0 {
		return nil, fmt.Errorf("%w: no paths", ErrInvalidSpec)
	}

	baseURL := ""
	if len(doc.Servers) > 0 && doc.Servers[0] != nil {
		baseURL = strings.TrimRight(doc.Servers[0].URL, "/")
	}

	items := doc.Paths.Map()
	paths := make([]string, 0, len(items))
	for p := range items {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	g := New()
	for _, p := range paths {
		ops := items[p].Operations()
		methods := make([]string, 0, len(ops))
		for m := range ops {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, method := range methods {
			op := ops[method]
			name := op.OperationID
			if name == "" {
				name = operationName(method, p)
			}
			if _, exists := g.StateByName(name); exists {
				name = fmt.Sprintf("%s.%d", name, g.Len()+1)
			}
			s, err := g.AddState(name)
			if err != nil {
				return nil, err
			}
			s.Request = &Request{
				Method: strings.ToUpper(method),
				URL:    baseURL + p,
			}
		}
	}
	return g, nil
}

var pathParamRegex = regexp.MustCompile(`\{([^}]+)\}`)

// operationName derives a state name such as "get.users.orders" from a method
// and a templated path.
func operationName(method, path string) string {
	cleaned := pathParamRegex.ReplaceAllString(path, "")
	cleaned = strings.ReplaceAll(cleaned, "//", "/")
	cleaned = strings.Trim(cleaned, "/")
	cleaned = strings.ReplaceAll(cleaned, "/", ".")
	if cleaned == "" {
		cleaned = "root"
	}
	return fmt.Sprintf("%s.%s", strings.ToLower(method), cleaned)
}
