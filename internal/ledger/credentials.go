package ledger

import (
	"fmt"
	"sync"
)

// Credential is one admin/processor API key pair for the external ledger.
type Credential struct {
	AdminKey     string
	ProcessorKey string
}

// CredentialProvider hands out key pairs round-robin and tracks how often
// each has been used. Rotation state lives here, behind Next, instead of in
// package-level counters.
type CredentialProvider struct {
	mu    sync.Mutex
	pairs []Credential
	next  int
	usage []uint64
}

func NewCredentialProvider(adminKeys, processorKeys []string) (*CredentialProvider, error) {
	if len(adminKeys) == 0 || len(adminKeys) != len(processorKeys) {
		return nil, fmt.Errorf("ledger credentials misconfigured: %d admin keys, %d processor keys",
			len(adminKeys), len(processorKeys))
	}
	pairs := make([]Credential, len(adminKeys))
	for i := range adminKeys {
		pairs[i] = Credential{AdminKey: adminKeys[i], ProcessorKey: processorKeys[i]}
	}
	return &CredentialProvider{
		pairs: pairs,
		usage: make([]uint64, len(pairs)),
	}, nil
}

// Next returns the credential to use for the next API call.
func (p *CredentialProvider) Next() Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred := p.pairs[p.next]
	p.usage[p.next]++
	p.next = (p.next + 1) % len(p.pairs)
	return cred
}

// Usage reports per-credential call counts, for observability.
func (p *CredentialProvider) Usage() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]uint64, len(p.usage))
	copy(out, p.usage)
	return out
}
