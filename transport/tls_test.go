package transport

import (
	"fmt"
	"github.com/lyager/rpcz/testutils"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

const (
	serverKeyPath   = "testdata/serverkey.pem"
	serverCertPath  = "testdata/servercert.pem"
	clientCertPath1 = "testdata/selfsignedclientcert.pem"
	clientKeyPath1  = "testdata/selfsignedclientkey.pem"
	clientCertPath2 = "testdata/selfsignedclientcert2.pem"
	clientKeyPath2  = "testdata/selfsignedclientkey2.pem"
)

func serverTLS() ServerTLSConfig {
	return ServerTLSConfig{
		Enabled:        true,
		CertFile:       serverCertPath,
		PrivateKeyFile: serverKeyPath,
	}
}

// mutualServerTLS trusts the first client certificate and demands one.
func mutualServerTLS() ServerTLSConfig {
	conf := serverTLS()
	conf.ClientCertsFile = clientCertPath1
	conf.ClientAuthType = "require-and-verify-client-cert"
	return conf
}

func trustingClientTLS() ClientTLSConfig {
	return ClientTLSConfig{
		Enabled:          true,
		TrustedCertsFile: serverCertPath,
	}
}

func mutualClientTLS() ClientTLSConfig {
	conf := trustingClientTLS()
	conf.CertFile = clientCertPath1
	conf.PrivateKeyFile = clientKeyPath1
	return conf
}

func TestSocketServerTLS(t *testing.T) {
	testTLSRoundTrip(t, "tcp://127.0.0.1:0", trustingClientTLS(), serverTLS())
}

func TestSocketMutualTLS(t *testing.T) {
	testTLSRoundTrip(t, "tcp://127.0.0.1:0", mutualClientTLS(), mutualServerTLS())
}

func TestWebsocketServerTLS(t *testing.T) {
	testTLSRoundTrip(t, "ws://127.0.0.1:0", trustingClientTLS(), serverTLS())
}

func TestWebsocketMutualTLS(t *testing.T) {
	testTLSRoundTrip(t, "ws://127.0.0.1:0", mutualClientTLS(), mutualServerTLS())
}

func testTLSRoundTrip(t *testing.T, bind string, clientConf ClientTLSConfig, serverConf ServerTLSConfig) {
	ctx, err := NewContextWithTLS(clientConf, serverConf)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, ctx.Close())
	}()
	_, endpoint := startServer(t, ctx, testTransport{bind: bind}, echoHandler)
	collector := newReplyCollector()
	conn, err := ctx.Dial(endpoint, collector.handle)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, conn.Close())
	}()
	numRequests := 10
	for i := 0; i < numRequests; i++ {
		body := fmt.Sprintf("request-%d", i)
		require.NoError(t, conn.SendRequest(uint64(i+1), [][]byte{[]byte(body)}))
	}
	for i := 0; i < numRequests; i++ {
		ev := collector.next(t)
		require.Equal(t, uint64(i+1), ev.correlationID)
		require.Equal(t, fmt.Sprintf("request-%d", i), string(ev.frames[0]))
	}
}

func TestTLSUntrustedServer(t *testing.T) {
	// The client trusts nothing, so the self signed server certificate fails
	// verification during the dial
	ctx, err := NewContextWithTLS(ClientTLSConfig{Enabled: true}, serverTLS())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, ctx.Close())
	}()
	_, endpoint := startServer(t, ctx, testTransport{bind: "tcp://127.0.0.1:0"}, echoHandler)
	_, err = ctx.Dial(endpoint, newReplyCollector().handle)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "tls: failed to verify certificate: x509: certificate signed by unknown authority"))
}

func TestMutualTLSUntrustedClient(t *testing.T) {
	// The client offers a certificate the server does not trust. The dial
	// itself succeeds, the client side of the handshake completes before the
	// server rejects it, then the server tears the connection down without
	// ever replying and sends start failing.
	clientConf := trustingClientTLS()
	clientConf.CertFile = clientCertPath2
	clientConf.PrivateKeyFile = clientKeyPath2
	ctx, err := NewContextWithTLS(clientConf, mutualServerTLS())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, ctx.Close())
	}()
	_, endpoint := startServer(t, ctx, testTransport{bind: "tcp://127.0.0.1:0"}, echoHandler)
	collector := newReplyCollector()
	conn, err := ctx.Dial(endpoint, collector.handle)
	require.NoError(t, err)
	defer func() {
		_ = conn.Close()
	}()
	correlationID := uint64(0)
	testutils.WaitUntil(t, func() (bool, error) {
		correlationID++
		return conn.SendRequest(correlationID, [][]byte{[]byte("denied")}) != nil, nil
	})
	collector.expectNone(t, 100*time.Millisecond)
}
