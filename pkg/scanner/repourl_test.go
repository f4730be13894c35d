/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scanner

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseRepoURL", func() {
	DescribeTable("accepted URL shapes",
		func(url, wantOwner, wantName string) {
			owner, name, err := ParseRepoURL(url)
			Expect(err).NotTo(HaveOccurred())
			Expect(owner).To(Equal(wantOwner))
			Expect(name).To(Equal(wantName))
		},
		Entry("plain https", "https://github.com/acme/tool", "acme", "tool"),
		Entry("https with trailing slash", "https://github.com/acme/tool/", "acme", "tool"),
		Entry("https with .git suffix", "https://github.com/acme/tool.git", "acme", "tool"),
		Entry("ssh form", "git@github.com:acme/tool.git", "acme", "tool"),
		Entry("deep link", "https://github.com/acme/tool/tree/main", "acme", "tool"),
	)

	It("rejects URLs outside github.com", func() {
		_, _, err := ParseRepoURL("https://gitlab.com/acme/tool")
		Expect(err).To(MatchError(ErrInvalidRepoURL))
	})

	It("rejects a bare host", func() {
		_, _, err := ParseRepoURL("https://github.com")
		Expect(err).To(MatchError(ErrInvalidRepoURL))
	})
})

var _ = Describe("AuthenticatedCloneURL", func() {
	It("injects the token into an https URL", func() {
		Expect(AuthenticatedCloneURL("https://github.com/acme/tool", "tok")).
			To(Equal("https://tok@github.com/acme/tool"))
	})

	It("passes through when there is no token", func() {
		Expect(AuthenticatedCloneURL("https://github.com/acme/tool", "")).
			To(Equal("https://github.com/acme/tool"))
	})

	It("leaves ssh URLs alone", func() {
		Expect(AuthenticatedCloneURL("git@github.com:acme/tool.git", "tok")).
			To(Equal("git@github.com:acme/tool.git"))
	})
})
