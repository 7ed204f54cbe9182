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

package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
)

const (
	// LabelsFile maps settings labels to file names, relative to the settings directory.
	LabelsFile = "_labels.yaml"

	// MaxLabelsLen bounds the comma separated label list published in settingVersions.
	MaxLabelsLen = 256
)

// Dir is a directory of settings files plus an optional label file.
type Dir struct {
	Path   string
	labels map[string]string
	log    *zap.SugaredLogger
}

// OpenDir opens a settings directory and reads its labels on a best-effort basis:
// invalid labels and labels of missing files are logged and ignored.
func OpenDir(path string, log *zap.SugaredLogger) (*Dir, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: settings directory %s: %w", sal.ErrInvalidArgument, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: settings directory %s does not exist or is not a directory", sal.ErrInvalidArgument, abs)
	}
	d := &Dir{Path: abs, log: log}
	d.labels = d.readLabels()
	return d, nil
}

func (d *Dir) readLabels() map[string]string {
	path := filepath.Join(d.Path, LabelsFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		d.log.Warnf("%s not found", path)
		return map[string]string{}
	}
	if err != nil {
		d.log.Warnf("Cannot read %s: %v", path, err)
		return map[string]string{}
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		d.log.Warnf("%s does not describe a map of label to file name: %v", path, err)
		return map[string]string{}
	}

	out := make(map[string]string, len(raw))
	var invalid, missing []string
	for label, file := range raw {
		if !validLabel(label) {
			invalid = append(invalid, label)
			continue
		}
		if _, err := d.resolveFile(file); err != nil {
			missing = append(missing, file)
			continue
		}
		out[label] = file
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		d.log.Warnf("Ignoring invalid labels %v", invalid)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		d.log.Warnf("Labeled settings files %v not found in %s", missing, d.Path)
	}
	return out
}

// validLabel accepts identifiers that do not start with an underscore.
func validLabel(label string) bool {
	if label == "" || strings.HasPrefix(label, "_") {
		return false
	}
	for i, r := range label {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

// resolveFile returns the absolute path of a settings file, which must be a regular file inside the directory.
func (d *Dir) resolveFile(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || filepath.IsAbs(name) {
		return "", sal.ExpectedErrorf("invalid settings file name %q", name)
	}
	path := filepath.Join(d.Path, name)
	if rel, err := filepath.Rel(d.Path, path); err != nil || strings.HasPrefix(rel, "..") {
		return "", sal.ExpectedErrorf("settings file %s is outside %s", name, d.Path)
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", sal.ExpectedErrorf("cannot find settings file %s in %s", name, d.Path)
	}
	return path, nil
}

// Labels returns the valid labels in alphabetical order.
func (d *Dir) Labels() []string {
	out := make([]string, 0, len(d.labels))
	for label := range d.labels {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// LabelsString joins the labels with commas, dropping trailing labels that do not fit in MaxLabelsLen.
func (d *Dir) LabelsString() string {
	labels := d.Labels()
	joined := strings.Join(labels, ",")
	for len(joined) > MaxLabelsLen && len(labels) > 0 {
		labels = labels[:len(labels)-1]
		joined = strings.Join(labels, ",")
	}
	if n := len(d.labels) - len(labels); n > 0 {
		d.log.Warnf("Settings labels do not fit into %d characters; dropping %d of them", MaxLabelsLen, n)
	}
	return joined
}

// URL is the file URL of the directory.
func (d *Dir) URL() string {
	return "file://" + filepath.ToSlash(d.Path)
}

// Load reads the settings named by a label or file name, validates them with v and
// returns the normalized settings. An empty name loads the schema defaults.
// Failures are expected errors so they fail the start command without faulting the component.
func (d *Dir) Load(name string, v *Validator) (map[string]any, error) {
	var doc map[string]any
	if name != "" {
		if strings.Contains(name, ":") {
			return nil, sal.ExpectedErrorf("cannot parse settings %q; versioned settings are not supported", name)
		}
		file := name
		if labeled, ok := d.labels[name]; ok {
			file = labeled
		}
		path, err := d.resolveFile(file)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, sal.NewExpectedError(fmt.Errorf("reading settings %s: %w", path, err))
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, sal.NewExpectedError(fmt.Errorf("parsing settings %s: %w", path, err))
		}
	}

	settings, err := v.Validate(doc)
	if err != nil {
		return nil, sal.NewExpectedError(fmt.Errorf("settings %q: %w", name, err))
	}
	return settings, nil
}
