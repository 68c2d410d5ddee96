package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixupMapInsertAndLookup(t *testing.T) {
	m := NewFixupMap()
	target := FixupTarget{Kind: TargetData, TargetRange: 1, TargetOffset: 8}
	require.NoError(t, m.Insert(0, 0, 200, target))

	site, ok := m.Lookup(200)
	require.True(t, ok)
	require.Equal(t, target, site.Target)
}

func TestFixupMapInsertDuplicateSameTargetIsAlreadyExists(t *testing.T) {
	m := NewFixupMap()
	target := FixupTarget{Kind: TargetData, TargetRange: 1, TargetOffset: 8}
	require.NoError(t, m.Insert(0, 0, 200, target))

	err := m.Insert(0, 0, 200, target)
	require.Error(t, err)
	var already *AlreadyExistsError
	require.ErrorAs(t, err, &already)
}

func TestFixupMapInsertConflictingTargetFails(t *testing.T) {
	m := NewFixupMap()
	require.NoError(t, m.Insert(0, 0, 200, FixupTarget{Kind: TargetData, TargetRange: 1, TargetOffset: 8}))

	err := m.Insert(0, 0, 200, FixupTarget{Kind: TargetData, TargetRange: 2, TargetOffset: 0})
	require.Error(t, err)
	var conflict *FixupConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestFixupMapReserveThenResolve(t *testing.T) {
	m := NewFixupMap()
	require.NoError(t, m.Reserve(1, 8, 300))

	site, ok := m.Lookup(300)
	require.True(t, ok)
	require.Equal(t, TargetUnresolved, site.Target.Kind)

	target := FixupTarget{Kind: TargetData, TargetRange: 5, TargetOffset: 16}
	require.NoError(t, m.Insert(1, 8, 300, target))

	site, ok = m.Lookup(300)
	require.True(t, ok)
	require.Equal(t, target, site.Target)
}

func TestFixupMapReserveMismatchedSiteFailsOnInsert(t *testing.T) {
	m := NewFixupMap()
	require.NoError(t, m.Reserve(1, 8, 300))

	err := m.Insert(2, 16, 300, FixupTarget{Kind: TargetData})
	require.Error(t, err)
	var inv *InvariantViolatedError
	require.ErrorAs(t, err, &inv)
}

func TestFixupMapReserveDuplicateFails(t *testing.T) {
	m := NewFixupMap()
	require.NoError(t, m.Reserve(1, 8, 300))
	err := m.Reserve(1, 8, 300)
	require.Error(t, err)
}

func TestFixupMapInsertForceOverwritesConflict(t *testing.T) {
	m := NewFixupMap()
	require.NoError(t, m.Insert(0, 0, 200, FixupTarget{Kind: TargetData, TargetRange: 1, TargetOffset: 0}))

	retried, err := m.InsertForce(0, 0, 200, FixupTarget{Kind: TargetData, TargetRange: 2, TargetOffset: 0})
	require.NoError(t, err)
	require.True(t, retried)

	site, _ := m.Lookup(200)
	require.Equal(t, RangeID(2), site.Target.TargetRange)
}

func TestFixupMapInsertForceSameTargetNotRetried(t *testing.T) {
	m := NewFixupMap()
	target := FixupTarget{Kind: TargetData, TargetRange: 1, TargetOffset: 0}
	require.NoError(t, m.Insert(0, 0, 200, target))

	retried, err := m.InsertForce(0, 0, 200, target)
	require.Error(t, err)
	require.False(t, retried)
}

func TestFixupMapDataAndFuncSites(t *testing.T) {
	m := NewFixupMap()
	require.NoError(t, m.Insert(0, 0, 100, FixupTarget{Kind: TargetData, TargetRange: 1}))
	require.NoError(t, m.InsertFuncPtr(0, 8, 200, 0xdead))

	require.Len(t, m.DataSites(), 1)
	require.Len(t, m.FuncSites(), 1)
	require.Len(t, m.All(), 2)
}

func TestFixupMapOrderedByAddress(t *testing.T) {
	m := NewFixupMap()
	require.NoError(t, m.Insert(0, 0, 300, FixupTarget{Kind: TargetData}))
	require.NoError(t, m.Insert(0, 0, 100, FixupTarget{Kind: TargetData}))
	require.NoError(t, m.Insert(0, 0, 200, FixupTarget{Kind: TargetData}))

	all := m.All()
	require.Equal(t, []SourceAddress{100, 200, 300}, []SourceAddress{all[0].SiteAddr, all[1].SiteAddr, all[2].SiteAddr})
}
