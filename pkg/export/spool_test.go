package export

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpoolWriteAndReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool")

	s, err := NewSpool(path)
	require.NoError(t, err)

	want := [][]byte{[]byte("first packet"), []byte("second packet")}
	for _, pkt := range want {
		require.NoError(t, s.Write(pkt))
	}
	require.NoError(t, s.Close())

	var got [][]byte
	err = Replay(path, func(pkt []byte) error {
		cp := append([]byte(nil), pkt...)
		got = append(got, cp)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReplayMissingFileIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist")

	called := false
	err := Replay(path, func([]byte) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, called)
}
