package address

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgradeableLoader = MustParse("BPFLoaderUpgradeab1e11111111111111111111111")

func TestCreateProgramAddressKnownVectors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		seeds [][]byte
		want  string
	}{
		{name: "empty seed", seeds: [][]byte{{}, {1}}, want: "BwqrghZA2htAcqq8dzP1WDAhTXYTYWj7CHxF5j7TDBAe"},
		{name: "utf8 seed", seeds: [][]byte{[]byte("☉"), {0}}, want: "13yWmRpaTR4r5nAktwLqMpRNr28tnVUZw26rTvPSSB19"},
		{name: "two seeds", seeds: [][]byte{[]byte("Talking"), []byte("Squirrels")}, want: "2fnQrngrQT4SeLcdToJAD96phoEjNL2man2kfRLCASVk"},
		{name: "key seed", seeds: [][]byte{MustParse("SeedPubey1111111111111111111111111111111111").Bytes(), {1}}, want: "976ymqVnfE32QFe6NfGDctSvVa36LWnvYxhU6G2232YL"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := CreateProgramAddress(tt.seeds, upgradeableLoader)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestCreateProgramAddressRejectsOnCurve(t *testing.T) {
	t.Parallel()
	var program Address
	for i := range program {
		program[i] = 4
	}
	_, err := CreateProgramAddress([][]byte{[]byte("helium"), {7}}, program)
	assert.ErrorIs(t, err, ErrOnCurve)
}

func TestCreateProgramAddressSeedLimits(t *testing.T) {
	t.Parallel()
	_, err := CreateProgramAddress([][]byte{make([]byte, MaxSeedLen+1)}, upgradeableLoader)
	assert.ErrorIs(t, err, ErrMaxSeedLength)

	many := make([][]byte, MaxSeeds+1)
	_, err = CreateProgramAddress(many, upgradeableLoader)
	assert.ErrorIs(t, err, ErrMaxSeedLength)

	_, _, err = FindProgramAddress(make([][]byte, MaxSeeds), upgradeableLoader)
	assert.ErrorIs(t, err, ErrMaxSeedLength)
}

func TestFindProgramAddressIsPure(t *testing.T) {
	t.Parallel()
	seeds := [][]byte{[]byte("Lil'"), []byte("Bits")}
	a1, b1, err := FindProgramAddress(seeds, upgradeableLoader)
	require.NoError(t, err)
	a2, b2, err := FindProgramAddress(seeds, upgradeableLoader)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Equal(t, b1, b2)

	again, err := CreateProgramAddress(WithBump(seeds, b1), upgradeableLoader)
	require.NoError(t, err)
	assert.Equal(t, a1, again)
	assert.False(t, IsOnCurve(a1[:]))

	// Every higher bump must have landed on the curve, otherwise it would have been chosen.
	for b := 255; b > int(b1); b-- {
		_, err := CreateProgramAddress(WithBump(seeds, uint8(b)), upgradeableLoader)
		assert.ErrorIs(t, err, ErrOnCurve, "bump %d", b)
	}
}

func TestFindProgramAddressSeedSensitivity(t *testing.T) {
	t.Parallel()
	queue := MustParse("SeedPubey1111111111111111111111111111111111")
	seen := map[Address]uint16{}
	for id := uint16(0); id < 64; id++ {
		a, _, err := Task(upgradeableLoader, queue, id)
		require.NoError(t, err)
		prev, dup := seen[a]
		require.False(t, dup, "ids %d and %d derived the same address", prev, id)
		seen[a] = id
	}
}

func TestWellKnownDerivationsDiffer(t *testing.T) {
	t.Parallel()
	queue := MustParse("SeedPubey1111111111111111111111111111111111")
	auth, _, err := QueueAuthority(upgradeableLoader)
	require.NoError(t, err)
	custom, _, err := CustomSigner(upgradeableLoader, queue, []byte("helium"))
	require.NoError(t, err)
	task, _, err := Task(upgradeableLoader, queue, 0)
	require.NoError(t, err)
	tq, _, err := TaskQueue(upgradeableLoader, queue, 0)
	require.NoError(t, err)

	all := []Address{auth, custom, task, tq}
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			assert.NotEqual(t, all[i], all[j])
		}
	}
}

func TestKeypairAddressIsOnCurve(t *testing.T) {
	t.Parallel()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	assert.True(t, IsOnCurve(pub))
}

func TestAddressTextRoundTrip(t *testing.T) {
	t.Parallel()
	a := MustParse("SeedPubey1111111111111111111111111111111111")
	b, err := a.MarshalJSON()
	require.NoError(t, err)
	var back Address
	require.NoError(t, back.UnmarshalJSON(b))
	assert.Equal(t, a, back)

	_, err = Parse("not-base58-0OIl")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = Parse("abc")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
