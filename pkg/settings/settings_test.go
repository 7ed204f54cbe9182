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

package settings_test

import (
	"errors"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/salbus/pkg/sal"
	"github.com/united-manufacturing-hub/salbus/pkg/settings"
)

var _ = Describe("Validator", func() {
	var v *settings.Validator

	BeforeEach(func() {
		schema, err := os.ReadFile("testdata/schema.yaml")
		Expect(err).NotTo(HaveOccurred())
		v, err = settings.NewValidator(schema)
		Expect(err).NotTo(HaveOccurred())
	})

	It("fills in defaults, including those of nested objects", func() {
		out, err := v.Validate(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveKeyWithValue("speed", 1.5))
		Expect(out).To(HaveKeyWithValue("name", "demo"))
		Expect(out).To(HaveKeyWithValue("limits", map[string]any{"min": -10.0, "max": 10.0}))
		Expect(out).NotTo(HaveKey("axes"))
	})

	It("keeps given values and completes partial objects", func() {
		doc := map[string]any{"speed": 3, "limits": map[string]any{"max": 5}}
		out, err := v.Validate(doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(out["speed"]).To(BeNumerically("==", 3))
		Expect(out["limits"]).To(HaveKeyWithValue("min", -10.0))
		Expect(out["limits"]).To(HaveKeyWithValue("max", 5.0))
		Expect(doc["limits"]).To(Equal(map[string]any{"max": 5}))
	})

	It("reports every violation with its path", func() {
		_, err := v.Validate(map[string]any{"speed": -1, "color": "red", "limits": map[string]any{"min": "low"}})
		var verr *settings.ValidationError
		Expect(errors.As(err, &verr)).To(BeTrue())
		Expect(err).To(MatchError(sal.ErrInvalidArgument))
		Expect(verr.Paths()).To(ContainElements("speed", "limits.min"))
		Expect(verr.Error()).To(ContainSubstring("speed"))
	})

	It("rejects a schema that does not compile", func() {
		_, err := settings.NewValidator([]byte("type: 12"))
		Expect(err).To(MatchError(sal.ErrInvalidArgument))
		_, err = settings.NewValidator([]byte(""))
		Expect(err).To(MatchError(sal.ErrInvalidArgument))
	})
})

var _ = Describe("Dir", func() {
	var (
		dir *settings.Dir
		v   *settings.Validator
	)

	BeforeEach(func() {
		var err error
		dir, err = settings.OpenDir("testdata", nil)
		Expect(err).NotTo(HaveOccurred())
		schema, err := os.ReadFile("testdata/schema.yaml")
		Expect(err).NotTo(HaveOccurred())
		v, err = settings.NewValidator(schema)
		Expect(err).NotTo(HaveOccurred())
	})

	It("keeps only valid labels of existing files", func() {
		Expect(dir.Labels()).To(Equal([]string{"fast", "slow"}))
		Expect(dir.LabelsString()).To(Equal("fast,slow"))
		Expect(dir.URL()).To(HavePrefix("file:///"))
	})

	It("loads settings by label and by file name", func() {
		out, err := dir.Load("fast", v)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveKeyWithValue("speed", 9.5))
		Expect(out["limits"]).To(HaveKeyWithValue("max", 20.0))

		out, err = dir.Load("slow.yaml", v)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveKeyWithValue("axes", []any{1.0, 2.0}))
	})

	It("loads defaults for an empty name", func() {
		out, err := dir.Load("", v)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveKeyWithValue("speed", 1.5))
	})

	It("fails with expected errors", func() {
		for _, name := range []string{"bad.yaml", "missing.yaml", "../settings_test.go", "/etc/passwd", "fast.yaml:v1"} {
			_, err := dir.Load(name, v)
			Expect(err).To(HaveOccurred(), name)
			Expect(sal.IsExpectedError(err)).To(BeTrue(), name)
		}
	})

	It("rejects a missing directory", func() {
		_, err := settings.OpenDir("testdata/nope", nil)
		Expect(err).To(MatchError(sal.ErrInvalidArgument))
	})
})
