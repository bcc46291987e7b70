package tsreasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryDecode(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Has(TableIDPAT))
	assert.True(t, r.Has(TableIDPMT))
	assert.False(t, r.Has(TableIDDSMCCPD))

	v, err := r.Decode(testPATTable(t, testPATData))
	assert.NoError(t, err)
	assert.Equal(t, testPATData, v)

	v, err = r.Decode(testPMTTable(t, testPMTData))
	assert.NoError(t, err)
	assert.Equal(t, testPMTData, v)
}

func TestRegistryUnknownTableID(t *testing.T) {
	r := NewRegistry()
	_, err := r.Decode(NewTableFromSections([]*Section{testLongSection(t, 0, 0)}, false, false))
	assert.Error(t, err)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	r.Register(0x42, func(t *Table) (interface{}, error) { return t.SectionCount(), nil })
	v, err := r.Decode(NewTableFromSections([]*Section{testLongSection(t, 0, 0)}, false, false))
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}
