package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhtz/tools-orocosrb/errors"
)

func intPtr(v int) *int { return &v }

func TestResolve_Defaults(t *testing.T) {
	r, err := Resolve(Policy{})
	require.NoError(t, err)
	assert.Equal(t, Resolved{Transport: TransportData, Lock: LockFree, Size: 1}, r)

	r, err = Resolve(Data().WithPull(true))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Size)
	assert.True(t, r.Pull)
	assert.False(t, r.Init)
}

func TestResolve_BufferRequiresSize(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"buffer without size", Policy{Transport: TransportBuffer}, true},
		{"buffer with lock but no size", Policy{Transport: TransportBuffer, Lock: LockLocked}, true},
		{"buffer with pull but no size", Policy{Transport: TransportBuffer}.WithPull(true), true},
		{"buffer size 1", Buffer(1), false},
		{"buffer size 50", Buffer(50).WithInit(true), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r, err := Resolve(test.policy)
			if test.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrPolicy)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, *test.policy.Size, r.Size)
			assert.Equal(t, TransportBuffer, r.Transport)
		})
	}
}

func TestResolve_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"zero buffer", Buffer(0)},
		{"negative buffer", Buffer(-3)},
		{"data with size", Policy{Transport: TransportData, Size: intPtr(4)}},
		{"unknown transport", Policy{Transport: "stream"}},
		{"unknown lock", Policy{Lock: "spin"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Resolve(test.policy)
			assert.ErrorIs(t, err, errors.ErrPolicy)
		})
	}
}

func TestResolve_DataWithSizeOne(t *testing.T) {
	r, err := Resolve(Policy{Transport: TransportData, Size: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Size)
}

func TestMerge_Precedence(t *testing.T) {
	requested := Policy{Transport: TransportBuffer}
	portDefault := Buffer(10).WithLock(LockLocked)
	fallback := Data().WithPull(true)

	merged := Merge(requested, portDefault, fallback)
	assert.Equal(t, TransportBuffer, merged.Transport)
	require.NotNil(t, merged.Size)
	assert.Equal(t, 10, *merged.Size)
	assert.Equal(t, LockLocked, merged.Lock)
	require.NotNil(t, merged.Pull)
	assert.True(t, *merged.Pull)
	assert.Nil(t, merged.Init)

	*portDefault.Size = 99
	assert.Equal(t, 10, *merged.Size, "merge must not alias its inputs")
}

func TestParseAndString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "data:lock_free"},
		{"data", "data:lock_free"},
		{"buffer:20", "buffer:20:lock_free"},
		{"buffer:5:locked:pull", "buffer:5:locked:pull"},
		{"data:init:unsync", "data:unsync:init"},
	}

	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			p, err := Parse(test.in)
			require.NoError(t, err)
			r, err := Resolve(p)
			require.NoError(t, err)
			assert.Equal(t, test.want, r.String())

			again, err := Parse(r.String())
			require.NoError(t, err)
			r2, err := Resolve(again)
			require.NoError(t, err)
			assert.Equal(t, r, r2)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, in := range []string{"buffer:big", "pipe:3"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.ErrorIs(t, err, errors.ErrPolicy)
		})
	}
}

func TestResolvedPolicyRoundTrip(t *testing.T) {
	r := Resolved{Transport: TransportBuffer, Lock: LockUnsynced, Size: 7, Pull: true}
	back, err := Resolve(r.Policy())
	require.NoError(t, err)
	assert.Equal(t, r, back)
}

func TestNegotiate(t *testing.T) {
	t.Run("complementary preferences combine", func(t *testing.T) {
		p, err := Negotiate(Buffer(10), Policy{Lock: LockLocked})
		require.NoError(t, err)
		r, err := Resolve(p)
		require.NoError(t, err)
		assert.Equal(t, Resolved{Transport: TransportBuffer, Size: 10, Lock: LockLocked}, r)
	})

	t.Run("conflicting sizes are rejected", func(t *testing.T) {
		_, err := Negotiate(Buffer(10), Buffer(20))
		assert.ErrorIs(t, err, errors.ErrPolicy)
	})

	t.Run("conflicting transports are rejected", func(t *testing.T) {
		_, err := Negotiate(Data(), Buffer(5))
		assert.ErrorIs(t, err, errors.ErrPolicy)
	})

	t.Run("requested policy overrides negotiated preferences", func(t *testing.T) {
		prefs, err := Negotiate(Buffer(10), Policy{})
		require.NoError(t, err)
		r, err := Resolve(Merge(Data(), prefs))
		require.Error(t, err, "data transport with preferred size 10")
		assert.ErrorIs(t, err, errors.ErrPolicy)

		r, err = Resolve(Merge(Buffer(3), prefs))
		require.NoError(t, err)
		assert.Equal(t, 3, r.Size)
		assert.True(t, r.Equal(Resolved{Transport: TransportBuffer, Size: 3, Lock: LockFree}))
	})
}
