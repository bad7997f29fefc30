package replicache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyPath(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "all parts",
			key:  Key{Owner: "alice", RecordType: "work", Subject: "project x", Period: "2026-10"},
			want: "alice/work/project+x/2026-10.rec",
		},
		{
			name: "no subject",
			key:  Key{Owner: "alice", RecordType: "work", Period: "2026-10"},
			want: "alice/work/@/2026-10.rec",
		},
		{
			name: "singleton",
			key:  Key{Owner: "alice", RecordType: "user"},
			want: "alice/user/@/@.rec",
		},
		{
			name: "separators are escaped",
			key:  Key{Owner: "a/b", RecordType: "work", Subject: "@"},
			want: "a%2Fb/work/%40/@.rec",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.key.Validate())
			require.Equal(t, tt.want, tt.key.Path())

			parsed, err := ParseKeyPath(tt.key.Path())
			require.NoError(t, err)
			require.Equal(t, tt.key, parsed)
		})
	}
}

func TestKeyValidate(t *testing.T) {
	require.ErrorIs(t, Key{RecordType: "work"}.Validate(), ErrInvalidKey)
	require.ErrorIs(t, Key{Owner: "alice"}.Validate(), ErrInvalidKey)
	require.ErrorIs(t, Key{Owner: "..", RecordType: "work"}.Validate(), ErrInvalidKey)
}

func TestParseKeyPathRejectsForeignFiles(t *testing.T) {
	_, err := ParseKeyPath("alice/work/@/2026-10.rec.bak")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseKeyPath("alice/2026-10.rec")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyString(t *testing.T) {
	k := Key{Owner: "alice", RecordType: "timeoff", Period: "2026"}
	require.Equal(t, "alice/timeoff@2026", k.String())
}

func TestOwnerPrefix(t *testing.T) {
	k := Key{Owner: "alice", RecordType: "user"}
	require.Equal(t, "alice/", OwnerPrefix("alice"))
	require.True(t, strings.HasPrefix(k.Path(), OwnerPrefix("alice")))
	require.False(t, strings.HasPrefix(k.Path(), OwnerPrefix("al")))
}
