package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreAddAndGet(t *testing.T) {
	s := NewStore()
	ni := NodeIdentity{NodeID: "n1", CertPath: "/c", KeyPath: "/k", RootCAPath: "/r"}

	err := s.Add(ni)
	assert.NoError(t, err)

	got, ok := s.Get("n1")
	assert.True(t, ok)
	assert.Equal(t, ni, got)
	assert.Equal(t, 1, s.Len())
}

func TestStoreGetMissing(t *testing.T) {
	s := NewStore()
	_, ok := s.Get("ghost")
	assert.False(t, ok)
}

func TestStoreAll(t *testing.T) {
	s := NewStore()
	_ = s.Add(NodeIdentity{NodeID: "n1", CertPath: "/c1", KeyPath: "/k1", RootCAPath: "/r1"})
	_ = s.Add(NodeIdentity{NodeID: "n2", CertPath: "/c2", KeyPath: "/k2", RootCAPath: "/r2"})

	all := s.All()
	assert.Len(t, all, 2)
}

func TestStoreAddRejectsIncompleteIdentity(t *testing.T) {
	s := NewStore()
	err := s.Add(NodeIdentity{NodeID: "n1", CertPath: "/c1"})
	assert.ErrorIs(t, err, ErrIdentityMissing)
	assert.Equal(t, 0, s.Len())
}
