package crypto

import "fmt"

// Committee is the set of confidential cluster members. Every member signs
// a plan digest and the aggregate signature is the plan's attestation.
type Committee struct {
	members []*BLSSigner
	pubkeys []*BLSPubKey
}

// NewCommittee derives one member key per seed.
func NewCommittee(seeds []string) (*Committee, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("committee needs at least one member")
	}
	c := &Committee{}
	for i, seed := range seeds {
		s, err := NewBLSSignerFromSeed([]byte(seed))
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		c.members = append(c.members, s)
		c.pubkeys = append(c.pubkeys, s.Pubkey())
	}
	return c, nil
}

func (c *Committee) Size() int { return len(c.members) }

// Attest collects every member's signature over digest and aggregates them.
func (c *Committee) Attest(digest []byte) ([]byte, error) {
	sigs := make([][]byte, len(c.members))
	for i, m := range c.members {
		sigs[i] = m.Sign(digest)
	}
	return Aggregate(sigs)
}

// Verify checks an attestation against the full committee.
func (c *Committee) Verify(digest, attestation []byte) bool {
	return VerifyAggregateSameMsg(c.pubkeys, digest, attestation)
}
