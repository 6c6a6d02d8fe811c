package xa

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_XidFactory_Deterministic(t *testing.T) {
	factory := NewXidFactory("orders-db")
	first, err := factory.CreateXid("tm1000001", "tm1")
	assert.Nil(t, err)
	second, err := NewXidFactory("orders-db").CreateXid("tm1000001", "tm1")
	assert.Nil(t, err)

	assert.Equal(t, first.GlobalTransactionID, second.GlobalTransactionID)
	assert.Equal(t, first.BranchQualifier, second.BranchQualifier)
	assert.Equal(t, []byte("tm1000001"), first.GlobalTransactionID)
	assert.True(t, first.HasBranchPrefix("tm1"))
	assert.Equal(t, len("tm1")+BranchSuffixSize, len(first.BranchQualifier))
	assert.Nil(t, first.Validate())
}

func Test_XidFactory_DistinctPerResource(t *testing.T) {
	a, err := NewXidFactory("orders-db").CreateXid("tm1000001", "tm1")
	assert.Nil(t, err)
	b, err := NewXidFactory("stock-db").CreateXid("tm1000001", "tm1")
	assert.Nil(t, err)
	assert.False(t, a.Equal(b))

	c, err := NewXidFactory("orders-db").CreateXid("tm1000002", "tm1")
	assert.Nil(t, err)
	assert.False(t, a.Equal(c))
}

func Test_XidFactory_Limits(t *testing.T) {
	factory := NewXidFactory("orders-db")

	_, err := factory.CreateXid("", "tm1")
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = factory.CreateXid(strings.Repeat("t", MaxGtridSize+1), "tm1")
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = factory.CreateXid("tx", strings.Repeat("b", MaxBqualSize-BranchSuffixSize+1))
	assert.ErrorIs(t, err, ErrConfiguration)

	xid, err := factory.CreateXid(strings.Repeat("t", MaxGtridSize), strings.Repeat("b", MaxBqualSize-BranchSuffixSize))
	assert.Nil(t, err)
	assert.Equal(t, MaxBqualSize, len(xid.BranchQualifier))
}
