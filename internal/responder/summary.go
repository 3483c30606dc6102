package responder

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/galileo/internal/address"
)

// fallbackMention is used when the message has no guild or no admin role resolves.
const fallbackMention = "Admin(s)"

// Failure is an address the ledger attempted and refused.
type Failure struct {
	Address address.Address
	Err     error
}

// Outcomes files every token of one request into exactly one bucket.
type Outcomes struct {
	Succeeded []address.Address
	Failed    []Failure
	Unparsed  []string
	Deferred  []address.Address
}

// Len is the number of tokens filed.
func (o Outcomes) Len() int {
	return len(o.Succeeded) + len(o.Failed) + len(o.Unparsed) + len(o.Deferred)
}

// Summary renders the reply text: one section per non-empty bucket, in the
// order succeeded, failed, unparsed, deferred. mentions is placed in front of
// the failure notice; maxAddresses is quoted in the deferred section.
func Summary(o Outcomes, maxAddresses int, mentions string) string {
	var sections []string

	if len(o.Succeeded) > 0 {
		var b strings.Builder
		b.WriteString("Successfully sent tokens to the following addresses:")
		for _, addr := range o.Succeeded {
			fmt.Fprintf(&b, "\n`%s`", addr)
		}
		sections = append(sections, b.String())
	}

	if len(o.Failed) > 0 {
		if mentions == "" {
			mentions = fallbackMention
		}
		var b strings.Builder
		b.WriteString("Failed to send tokens to the following addresses:")
		for _, f := range o.Failed {
			fmt.Fprintf(&b, "\n`%s` (error: %v)", f.Address, f.Err)
		}
		fmt.Fprintf(&b, "\n%s: you may want to investigate this error :)", mentions)
		sections = append(sections, b.String())
	}

	if len(o.Unparsed) > 0 {
		var b strings.Builder
		b.WriteString("The following _look like_ Penumbra addresses, but are invalid (maybe a typo or old address version?):")
		for _, raw := range o.Unparsed {
			fmt.Fprintf(&b, "\n`%s`", raw)
		}
		sections = append(sections, b.String())
	}

	if len(o.Deferred) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "I'm only allowed to send tokens to addresses %d at a time; try again later to get tokens for the following addresses:", maxAddresses)
		for _, addr := range o.Deferred {
			fmt.Fprintf(&b, "\n`%s`", addr)
		}
		sections = append(sections, b.String())
	}

	return strings.Join(sections, "\n")
}
