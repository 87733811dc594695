package client

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutbox_DrainsInOrderAndRequeuesFailure(t *testing.T) {
	var o outbox
	for _, s := range []string{"a", "b", "c"} {
		o.push(frame{data: []byte(s)})
	}

	var sent []string
	err := o.drain(func(f frame) error {
		if string(f.data) == "b" {
			return errors.New("broken pipe")
		}
		sent = append(sent, string(f.data))
		return nil
	})
	require.Error(t, err)
	require.Equal(t, []string{"a"}, sent)
	require.Equal(t, 2, o.len())

	require.NoError(t, o.drain(func(f frame) error {
		sent = append(sent, string(f.data))
		return nil
	}))
	require.Equal(t, []string{"a", "b", "c"}, sent)
	require.Zero(t, o.len())
}
