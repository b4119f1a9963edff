package topology

import (
	"fmt"
	"sort"

	"github.com/couchbase/gocbtopology/common/cbconfig"
)

const (
	DefaultScopeName      = "_default"
	DefaultCollectionName = "_default"
)

type Collection struct {
	Name      string
	ID        uint32
	ScopeName string
	MaxTTL    int32
}

type Scope struct {
	Name        string
	ID          uint32
	collections map[string]*Collection
}

func (s *Scope) Collection(name string) (*Collection, error) {
	collection, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrCollectionNotFound, s.Name, name)
	}
	return collection, nil
}

func (s *Scope) DefaultCollection() (*Collection, error) {
	return s.Collection(DefaultCollectionName)
}

// Collections returns the collections of the scope ordered by name.
func (s *Scope) Collections() []*Collection {
	out := make([]*Collection, 0, len(s.collections))
	for _, collection := range s.collections {
		out = append(out, collection)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// defaultScopes builds the hierarchy used by servers which predate
// collections: a single default scope holding the default collection.
func defaultScopes() map[string]*Scope {
	return map[string]*Scope{
		DefaultScopeName: {
			Name: DefaultScopeName,
			ID:   0,
			collections: map[string]*Collection{
				DefaultCollectionName: {
					Name:      DefaultCollectionName,
					ID:        0,
					ScopeName: DefaultScopeName,
				},
			},
		},
	}
}

func scopesFromManifest(manifest *cbconfig.CollectionManifestJson) (map[string]*Scope, error) {
	scopes := make(map[string]*Scope, len(manifest.Scopes))
	for _, scopeJson := range manifest.Scopes {
		scopeID, err := cbconfig.ParseManifestUID(scopeJson.UID)
		if err != nil {
			return nil, err
		}

		scope := &Scope{
			Name:        scopeJson.Name,
			ID:          uint32(scopeID),
			collections: make(map[string]*Collection, len(scopeJson.Collections)),
		}

		for _, collectionJson := range scopeJson.Collections {
			collectionID, err := cbconfig.ParseManifestUID(collectionJson.UID)
			if err != nil {
				return nil, err
			}

			scope.collections[collectionJson.Name] = &Collection{
				Name:      collectionJson.Name,
				ID:        uint32(collectionID),
				ScopeName: scopeJson.Name,
				MaxTTL:    collectionJson.MaxTTL,
			}
		}

		scopes[scope.Name] = scope
	}

	return scopes, nil
}
