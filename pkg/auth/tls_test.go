package auth

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validity = time.Hour

// handshake runs a TLS handshake between the two configs over loopback
func handshake(t *testing.T, server, client *tls.Config) (serverErr, clientErr error) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	errs := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			errs <- err
			return
		}
		defer conn.Close()
		srv := tls.Server(conn, server)
		srv.SetDeadline(time.Now().Add(5 * time.Second))
		errs <- srv.Handshake()
	}()

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	cli := tls.Client(conn, client)
	cli.SetDeadline(time.Now().Add(5 * time.Second))
	clientErr = cli.Handshake()
	if clientErr != nil {
		conn.Close()
	}
	return <-errs, clientErr
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Enabled: true}).Validate())
	assert.Error(t, (&Config{Enabled: true, CAPath: "ca.crt"}).Validate())
	assert.Error(t, (&Config{Enabled: true, CAPath: "ca.crt", CertPath: "a", KeyPath: "b", MinTLSVersion: "1.0"}).Validate())
	assert.NoError(t, (&Config{Enabled: true, CAPath: "ca.crt", CertPath: "a", KeyPath: "b", MinTLSVersion: "1.3"}).Validate())
}

func TestDisabled(t *testing.T) {
	cfg, err := ServerConfig(&Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
	creds, err := ClientCredentials(&Config{})
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestAuthority(t *testing.T) {
	dir := t.TempDir()
	ca, err := NewAuthority(dir, "Spies Я Us", validity)
	require.NoError(t, err)

	loaded, err := LoadAuthority(dir)
	require.NoError(t, err)
	assert.Equal(t, ca.cert.Raw, loaded.cert.Raw)

	alice, err := loaded.Issue("alice", []string{"localhost", "127.0.0.1"}, validity)
	require.NoError(t, err)
	bob, err := ca.Issue("bob", []string{"bob.lan"}, validity)
	require.NoError(t, err)
	alice.RequireClientAuth = true

	serverCfg, err := ServerConfig(alice)
	require.NoError(t, err)
	clientCfg, err := ClientConfig(bob)
	require.NoError(t, err)
	clientCfg.ServerName = "localhost"

	serverErr, clientErr := handshake(t, serverCfg, clientCfg)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)

	t.Run("other authority is refused", func(t *testing.T) {
		other, err := NewAuthority(t.TempDir(), "Other", validity)
		require.NoError(t, err)
		eve, err := other.Issue("eve", []string{"localhost"}, validity)
		require.NoError(t, err)
		clientCfg, err := ClientConfig(eve)
		require.NoError(t, err)
		clientCfg.ServerName = "localhost"

		_, clientErr := handshake(t, serverCfg, clientCfg)
		assert.Error(t, clientErr)
	})

	t.Run("missing files", func(t *testing.T) {
		_, err := LoadAuthority(t.TempDir())
		assert.Error(t, err)
		_, err = ServerConfig(&Config{Enabled: true, CAPath: "x", CertPath: "nope.crt", KeyPath: "nope.key"})
		assert.Error(t, err)
	})
}
