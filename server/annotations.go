package server

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

const defaultAuthor = "understand"

// annotations is the in-memory annotation store.
type annotations struct {
	mu   sync.Mutex
	byID map[string]transport.Annotation
}

func (a *annotations) init() {
	a.byID = make(map[string]transport.Annotation)
}

func (a *annotations) list(uri transport.DocumentURI) []transport.Annotation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []transport.Annotation{}
	for _, ann := range a.byID {
		if uri == "" || ann.URI == uri {
			out = append(out, ann)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].URI != out[j].URI {
			return out[i].URI < out[j].URI
		}
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func ListAnnotations(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var params transport.AnnotationsListParams
	if err := unmarshal(par, &params); err != nil {
		return nil, err
	}
	return s.annotations.list(params.URI), nil
}

func CreateAnnotation(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var ann transport.Annotation
	if err := unmarshal(par, &ann); err != nil {
		return nil, err
	}
	if ann.URI == "" {
		return nil, transport.NewError(transport.InvalidParams, "annotation needs a uri")
	}
	ann.ID = uuid.NewString()
	if ann.Author == "" {
		ann.Author = defaultAuthor
	}
	s.annotations.mu.Lock()
	s.annotations.byID[ann.ID] = ann
	s.annotations.mu.Unlock()
	s.notify(transport.MethodAnnotationsRefresh, transport.AnnotationsRefreshParams{URI: ann.URI})
	return ann, nil
}

// UpdateAnnotation replaces the text and line of an existing annotation. The
// uri and author stay as created.
func UpdateAnnotation(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var ann transport.Annotation
	if err := unmarshal(par, &ann); err != nil {
		return nil, err
	}
	s.annotations.mu.Lock()
	cur, ok := s.annotations.byID[ann.ID]
	if ok {
		cur.Text, cur.Line = ann.Text, ann.Line
		s.annotations.byID[ann.ID] = cur
	}
	s.annotations.mu.Unlock()
	if !ok {
		return nil, transport.NewError(transport.InvalidParams, "unknown annotation %q", ann.ID)
	}
	s.notify(transport.MethodAnnotationsRefresh, transport.AnnotationsRefreshParams{URI: cur.URI})
	return cur, nil
}

func DeleteAnnotation(ctx context.Context, s *Server, par json.RawMessage) (any, error) {
	var params transport.AnnotationParams
	if err := unmarshal(par, &params); err != nil {
		return nil, err
	}
	s.annotations.mu.Lock()
	cur, ok := s.annotations.byID[params.ID]
	delete(s.annotations.byID, params.ID)
	s.annotations.mu.Unlock()
	if !ok {
		return nil, transport.NewError(transport.InvalidParams, "unknown annotation %q", params.ID)
	}
	s.notify(transport.MethodAnnotationsRefresh, transport.AnnotationsRefreshParams{URI: cur.URI})
	return nil, nil
}
