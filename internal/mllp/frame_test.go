package mllp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testADT = "MSH|^~\\&|SIMULATION|SOUTH RIVERSIDE|||20240102135300||ADT^A01|||2.5\rPID|1||497030||ROSCOE DOHERTY||19870515|M\r"

func TestWrap(t *testing.T) {
	framed := Wrap([]byte(testADT))

	assert.Equal(t, byte(StartBlock), framed[0])
	assert.Equal(t, byte(EndBlock), framed[len(framed)-2])
	assert.Equal(t, byte(CarriageReturn), framed[len(framed)-1])
	assert.Equal(t, testADT, string(framed[1:len(framed)-2]))
}

func TestRoundTrip(t *testing.T) {
	payloads := []string{
		"",
		"x",
		testADT,
		"MSH|^~\\&|||||20250209133600||ORU^R01|||2.5\rPID|1||123456\rOBR|1||||||20250209133600\rOBX|1|SN|CREATININE||165.65\r",
		"embedded \x0b start and lone \x1c bytes",
	}

	for _, p := range payloads {
		got, rest, ok := Unwrap(Wrap([]byte(p)))
		require.True(t, ok, "payload %q", p)
		assert.Equal(t, p, string(got))
		assert.Empty(t, rest)
	}
}

func TestUnwrap_Partial(t *testing.T) {
	data := append([]byte{StartBlock}, []byte("MSH|partial")...)

	_, rest, ok := Unwrap(data)
	assert.False(t, ok)
	assert.Equal(t, data, rest)

	// End block without the trailing CR is still incomplete
	data = append(data, EndBlock)
	_, _, ok = Unwrap(data)
	assert.False(t, ok)
}

func TestUnwrap_DiscardsLeadingNoise(t *testing.T) {
	data := append([]byte("noise"), Wrap([]byte("MSG"))...)

	got, rest, ok := Unwrap(data)
	require.True(t, ok)
	assert.Equal(t, "MSG", string(got))
	assert.Empty(t, rest)
}

func TestDecoder_MultipleFramesAcrossReads(t *testing.T) {
	stream := append(Wrap([]byte("ONE")), Wrap([]byte("TWO"))...)
	stream = append(stream, Wrap([]byte("THREE"))...)

	d := NewDecoder(0)
	var got []string
	// Feed one byte at a time to exercise every split point
	for _, b := range stream {
		require.NoError(t, d.Feed([]byte{b}))
		for {
			p, ok := d.Next()
			if !ok {
				break
			}
			got = append(got, string(p))
		}
	}

	assert.Equal(t, []string{"ONE", "TWO", "THREE"}, got)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_PayloadSurvivesFeed(t *testing.T) {
	d := NewDecoder(0)
	require.NoError(t, d.Feed(Wrap([]byte("FIRST"))))

	p, ok := d.Next()
	require.True(t, ok)

	require.NoError(t, d.Feed(Wrap([]byte("SECOND"))))
	assert.Equal(t, "FIRST", string(p))
}

func TestDecoder_FrameTooLarge(t *testing.T) {
	d := NewDecoder(16)
	err := d.Feed(append([]byte{StartBlock}, bytes.Repeat([]byte("A"), 32)...))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
	assert.Zero(t, d.Buffered())
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder(0)
	require.NoError(t, d.Feed([]byte{StartBlock, 'A'}))
	d.Reset()

	assert.Zero(t, d.Buffered())
	_, ok := d.Next()
	assert.False(t, ok)
}
