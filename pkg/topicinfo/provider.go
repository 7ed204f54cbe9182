// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package topicinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

// Provider supplies component descriptions by name.
type Provider interface {
	ComponentInfo(name string) (*ComponentInfo, error)
}

// DirProvider reads <Dir>/<name>.yaml and caches the result.
type DirProvider struct {
	Dir string

	mu    sync.Mutex
	cache map[string]*ComponentInfo
}

// NewDirProvider returns a provider reading descriptions from dir.
func NewDirProvider(dir string) *DirProvider {
	return &DirProvider{Dir: dir, cache: make(map[string]*ComponentInfo)}
}

// ComponentInfo implements Provider.
func (p *DirProvider) ComponentInfo(name string) (*ComponentInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ci, ok := p.cache[name]; ok {
		return ci, nil
	}

	path := filepath.Join(p.Dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading component description %s: %w", path, err)
	}
	ci, err := ParseComponentInfo(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if ci.Name != name {
		return nil, fmt.Errorf("%w: %s describes component %q, not %q", sal.ErrInvalidArgument, path, ci.Name, name)
	}
	p.cache[name] = ci
	return ci, nil
}

// StaticProvider serves descriptions built in memory.
type StaticProvider map[string]*ComponentInfo

// ComponentInfo implements Provider.
func (p StaticProvider) ComponentInfo(name string) (*ComponentInfo, error) {
	if ci, ok := p[name]; ok {
		return ci, nil
	}
	return nil, fmt.Errorf("%w: unknown component %q", sal.ErrInvalidArgument, name)
}
