package transport

import (
	"crypto/tls"
	"crypto/x509"
	"github.com/pkg/errors"
	"os"
)

type ServerTLSConfig struct {
	Enabled         bool   `help:"is server TLS enabled?" default:"false"`
	CertFile        string `help:"path to tls server certificate file in pem format"`
	PrivateKeyFile  string `help:"path to tls server private key file in pem format"`
	ClientCertsFile string `help:"path to tls client certificates file in pem format, enables client certificate authentication"`
	ClientAuthType  string `help:"client certificate authentication mode. one of: no-client-cert, request-client-cert, require-any-client-cert, verify-client-cert-if-given, require-and-verify-client-cert"`
}

func (t *ServerTLSConfig) ToGoTLSConfig() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{ // nolint: gosec
		MinVersion: tls.VersionTLS12,
	}
	keyPair, err := createKeyPair(t.CertFile, t.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	tlsConfig.Certificates = []tls.Certificate{keyPair}
	if t.ClientCertsFile != "" {
		clientCerts, err := os.ReadFile(t.ClientCertsFile)
		if err != nil {
			return nil, err
		}
		trustedCertPool := x509.NewCertPool()
		if ok := trustedCertPool.AppendCertsFromPEM(clientCerts); !ok {
			return nil, errors.Errorf("failed to append trusted certs PEM (invalid PEM block?)")
		}
		tlsConfig.ClientCAs = trustedCertPool
	}
	if t.ClientAuthType == "" {
		if t.ClientCertsFile != "" {
			// If client certs provided then default to client auth required
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsConfig.ClientAuth = tls.NoClientCert
		}
	} else {
		clientAuth, ok := clientAuthTypeMap[t.ClientAuthType]
		if !ok {
			return nil, errors.Errorf("invalid tls client auth setting '%s'", t.ClientAuthType)
		}
		tlsConfig.ClientAuth = clientAuth
	}
	return tlsConfig, nil
}

var clientAuthTypeMap = map[string]tls.ClientAuthType{
	"no-client-cert":                 tls.NoClientCert,
	"request-client-cert":            tls.RequestClientCert,
	"require-any-client-cert":        tls.RequireAnyClientCert,
	"verify-client-cert-if-given":    tls.VerifyClientCertIfGiven,
	"require-and-verify-client-cert": tls.RequireAndVerifyClientCert,
}

type ClientTLSConfig struct {
	Enabled          bool   `help:"is client TLS enabled?" default:"false"`
	TrustedCertsFile string `help:"path to tls trusted server certificates file in pem format"`
	CertFile         string `help:"path to tls client certificate file in pem format"`
	PrivateKeyFile   string `help:"path to tls client private key file in pem format"`
}

func (c *ClientTLSConfig) ToGoTLSConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if c.TrustedCertsFile != "" {
		serverCerts, err := os.ReadFile(c.TrustedCertsFile)
		if err != nil {
			return nil, err
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(serverCerts); !ok {
			return nil, errors.Errorf("failed to append trusted certs PEM (invalid PEM block?)")
		}
		tlsConfig.RootCAs = certPool
	}
	if c.CertFile != "" {
		keyPair, err := createKeyPair(c.CertFile, c.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{keyPair}
	}
	return tlsConfig, nil
}

func createKeyPair(certFile string, keyFile string) (tls.Certificate, error) {
	cert, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return keyPair, nil
}
