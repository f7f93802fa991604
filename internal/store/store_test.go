package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/docsync/internal/models"
)

var engineKinds = []EngineKind{EngineBolt, EngineSQLite}

// newTestPersistence opens a bbolt-backed persistence in a temp directory.
func newTestPersistence(t *testing.T) *Persistence {
	return newTestPersistenceWith(t, EngineBolt)
}

func newTestPersistenceWith(t *testing.T, kind EngineKind) *Persistence {
	t.Helper()
	engine, err := Open(kind, t.TempDir())
	require.NoError(t, err)
	p := NewPersistence(engine, nil)
	require.NoError(t, p.Start())
	t.Cleanup(func() { p.Shutdown() })
	return p
}

func write(t *testing.T, p *Persistence, fn func(tx *Transaction) error) {
	t.Helper()
	require.NoError(t, p.RunTransaction("test write", ReadWrite, fn))
}

func read(t *testing.T, p *Persistence, fn func(tx *Transaction) error) {
	t.Helper()
	require.NoError(t, p.RunTransaction("test read", ReadOnly, fn))
}

func key(path string) models.DocumentKey { return models.MustDocumentKey(path) }

func version(s int64) models.SnapshotVersion { return models.Timestamp{Seconds: s} }

func foundDoc(path string, v int64, fields map[string]models.Value) *models.Document {
	return models.NewFoundDocument(key(path), version(v), models.ObjectValueOf(fields))
}

// ==================== Engine Tests ====================

func TestEngine_GetPutDeleteScan(t *testing.T) {
	for _, kind := range engineKinds {
		t.Run(string(kind), func(t *testing.T) {
			engine, err := Open(kind, t.TempDir())
			require.NoError(t, err)
			defer engine.Close()

			require.NoError(t, engine.Update("seed", func(tx Tx) error {
				for _, k := range []string{"a/1", "a/2", "a/3", "b/1"} {
					if err := tx.Put(TableRemoteDocuments, []byte(k), []byte("v"+k)); err != nil {
						return err
					}
				}
				return tx.Put(TableRemoteDocuments, []byte("empty"), nil)
			}))

			require.NoError(t, engine.View("read", func(tx Tx) error {
				v, err := tx.Get(TableRemoteDocuments, []byte("a/2"))
				require.NoError(t, err)
				assert.Equal(t, []byte("va/2"), v)

				v, err = tx.Get(TableRemoteDocuments, []byte("empty"))
				require.NoError(t, err)
				assert.NotNil(t, v)
				assert.Empty(t, v)

				v, err = tx.Get(TableRemoteDocuments, []byte("missing"))
				require.NoError(t, err)
				assert.Nil(t, v)

				var fwd, rev []string
				require.NoError(t, tx.Scan(TableRemoteDocuments, []byte("a/"), func(k, _ []byte) error {
					fwd = append(fwd, string(k))
					return nil
				}))
				require.NoError(t, tx.ScanReverse(TableRemoteDocuments, []byte("a/"), func(k, _ []byte) error {
					rev = append(rev, string(k))
					return nil
				}))
				assert.Equal(t, []string{"a/1", "a/2", "a/3"}, fwd)
				assert.Equal(t, []string{"a/3", "a/2", "a/1"}, rev)

				var first string
				require.NoError(t, tx.ScanFrom(TableRemoteDocuments, []byte("a/2"), func(k, _ []byte) error {
					first = string(k)
					return ErrStopScan
				}))
				assert.Equal(t, "a/2", first)
				return nil
			}))

			require.NoError(t, engine.Update("delete", func(tx Tx) error {
				return tx.Delete(TableRemoteDocuments, []byte("a/2"))
			}))
			require.NoError(t, engine.View("verify", func(tx Tx) error {
				v, err := tx.Get(TableRemoteDocuments, []byte("a/2"))
				assert.Nil(t, v)
				return err
			}))
		})
	}
}

func TestEngine_FailedUpdateRollsBack(t *testing.T) {
	for _, kind := range engineKinds {
		t.Run(string(kind), func(t *testing.T) {
			engine, err := Open(kind, t.TempDir())
			require.NoError(t, err)
			defer engine.Close()

			err = engine.Update("fail", func(tx Tx) error {
				require.NoError(t, tx.Put(TableTargets, []byte("k"), []byte("v")))
				return assert.AnError
			})
			assert.ErrorIs(t, err, assert.AnError)
			assert.Contains(t, err.Error(), "fail")

			require.NoError(t, engine.View("check", func(tx Tx) error {
				v, err := tx.Get(TableTargets, []byte("k"))
				assert.Nil(t, v)
				return err
			}))
		})
	}
}

func TestOpen_UnknownEngine(t *testing.T) {
	_, err := Open("leveldb", t.TempDir())
	assert.Error(t, err)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("b"), prefixEnd([]byte("a")))
	assert.Equal(t, []byte{0x01}, prefixEnd([]byte{0x00, 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
}

func TestKeyEncoding_PreservesOrder(t *testing.T) {
	ints := []int64{-1 << 40, -2, -1, 0, 1, 2, 1 << 40}
	for i := 1; i < len(ints); i++ {
		assert.Less(t, string(encodeInt(ints[i-1])), string(encodeInt(ints[i])))
		assert.Equal(t, ints[i], decodeInt(encodeInt(ints[i])))
	}
	a := models.Timestamp{Seconds: -5, Nanos: 10}
	b := models.Timestamp{Seconds: 1, Nanos: 0}
	c := models.Timestamp{Seconds: 1, Nanos: 5}
	assert.Less(t, string(encodeTimestamp(a)), string(encodeTimestamp(b)))
	assert.Less(t, string(encodeTimestamp(b)), string(encodeTimestamp(c)))
	assert.Equal(t, a, decodeTimestamp(encodeTimestamp(a)))
}

// ==================== Persistence Tests ====================

func TestPersistence_SequenceNumbersIncrease(t *testing.T) {
	p := newTestPersistence(t)
	var seqs []models.ListenSequenceNumber
	for i := 0; i < 3; i++ {
		write(t, p, func(tx *Transaction) error {
			seqs = append(seqs, tx.SequenceNumber())
			return nil
		})
	}
	assert.Less(t, seqs[0], seqs[1])
	assert.Less(t, seqs[1], seqs[2])

	read(t, p, func(tx *Transaction) error {
		assert.Equal(t, models.SequenceNumberInvalid, tx.SequenceNumber())
		return nil
	})
}

func TestPersistence_SequenceNumberSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(EngineBolt, dir)
	require.NoError(t, err)
	p := NewPersistence(engine, nil)
	require.NoError(t, p.Start())

	target := models.NewQuery(models.ParseResourcePath("rooms")).ToTarget()
	write(t, p, func(tx *Transaction) error {
		return p.TargetCache().AddTargetData(tx, models.NewTargetData(target, 2, models.PurposeListen, 42))
	})
	require.NoError(t, p.Shutdown())

	engine, err = Open(EngineBolt, dir)
	require.NoError(t, err)
	p = NewPersistence(engine, nil)
	require.NoError(t, p.Start())
	defer p.Shutdown()
	write(t, p, func(tx *Transaction) error {
		assert.Greater(t, tx.SequenceNumber(), models.ListenSequenceNumber(42))
		return nil
	})
}

func TestPersistence_OnCommittedRunsOnlyOnSuccess(t *testing.T) {
	p := newTestPersistence(t)
	ran := 0
	write(t, p, func(tx *Transaction) error {
		tx.OnCommitted(func() { ran++ })
		return nil
	})
	err := p.RunTransaction("fail", ReadWrite, func(tx *Transaction) error {
		tx.OnCommitted(func() { ran++ })
		return assert.AnError
	})
	assert.Error(t, err)
	assert.Equal(t, 1, ran)
}

// ==================== Primary Lease Tests ====================

func TestPrimaryLease_AcquireAndVerify(t *testing.T) {
	for _, kind := range engineKinds {
		t.Run(string(kind), func(t *testing.T) {
			p := newTestPersistenceWith(t, kind)

			err := p.RunTransaction("primary", ReadWritePrimary, func(*Transaction) error { return nil })
			assert.ErrorIs(t, err, ErrPrimaryLeaseLost)
			assert.True(t, IsPrimaryLeaseLost(err))

			ok, err := p.TryAcquirePrimaryLease()
			require.NoError(t, err)
			assert.True(t, ok)

			err = p.RunTransaction("primary", ReadWritePrimary, func(*Transaction) error { return nil })
			assert.NoError(t, err)
		})
	}
}

func TestPrimaryLease_HeldByOtherClient(t *testing.T) {
	p := newTestPersistence(t)
	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }

	ok, err := p.TryAcquirePrimaryLease()
	require.NoError(t, err)
	require.True(t, ok)

	other := NewPersistence(p.engine, nil)
	other.now = p.now
	ok, err = other.TryAcquirePrimaryLease()
	require.NoError(t, err)
	assert.False(t, ok, "fresh lease must not be stolen")

	now = now.Add(PrimaryLeaseDuration + time.Second)
	ok, err = other.TryAcquirePrimaryLease()
	require.NoError(t, err)
	assert.True(t, ok, "stale lease is taken over")

	err = p.RunTransaction("primary", ReadWritePrimary, func(*Transaction) error { return nil })
	assert.ErrorIs(t, err, ErrPrimaryLeaseLost)

	clients, err := p.ActiveClients()
	require.NoError(t, err)
	assert.Len(t, clients, 1)
	assert.Equal(t, other.ClientID(), clients[0].ClientID)
}

func TestPrimaryLease_Release(t *testing.T) {
	p := newTestPersistence(t)
	ok, err := p.TryAcquirePrimaryLease()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.ReleasePrimaryLease())
	err = p.RunTransaction("primary", ReadWritePrimary, func(*Transaction) error { return nil })
	assert.ErrorIs(t, err, ErrPrimaryLeaseLost)
	assert.NoError(t, p.IgnoreLeaseLost("op", err))
	assert.Error(t, p.IgnoreLeaseLost("op", assert.AnError))
}
