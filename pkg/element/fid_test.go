package element

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParseFid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Fid
		err   error
	}{
		{"room", "conf1", Fid{Room: "conf1"}, nil},
		{"member", "conf1.bob", Fid{Room: "conf1", Member: "bob"}, nil},
		{"endpoint", "conf1.bob.pub", Fid{Room: "conf1", Member: "bob", Endpoint: "pub"}, nil},
		{"empty", "", Fid{}, ErrEmptyFid},
		{"too long", "a.b.c.d", Fid{}, ErrFidTooLong},
		{"empty segment", "a..c", Fid{}, ErrFidMissingPart},
		{"trailing dot", "a.b.", Fid{}, ErrFidMissingPart},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fid, err := ParseFid(tc.input)
			if tc.err != nil {
				require.True(t, errors.Is(err, tc.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, fid)
			require.Equal(t, tc.input, fid.String())
		})
	}
}

func TestFidDepthAndParent(t *testing.T) {
	ep := EndpointFid("r", "m", "e")
	require.Equal(t, 3, ep.Depth())
	require.Equal(t, MemberFid("r", "m"), ep.Parent())
	require.Equal(t, RoomFid("r"), ep.Parent().Parent())
	require.True(t, ep.Parent().Parent().Parent().IsZero())
	require.Equal(t, "e", ep.LeafID())
	require.Equal(t, "m", ep.Parent().LeafID())
}

func TestParseSrcFid(t *testing.T) {
	src, err := ParseSrcFid("room.alice.publish")
	require.NoError(t, err)
	require.True(t, src.IsEndpoint())

	_, err = ParseSrcFid("room.alice")
	require.True(t, errors.Is(err, ErrNotSrcFid))

	_, err = ParseSrcFid("")
	require.True(t, errors.Is(err, ErrEmptyFid))
}
