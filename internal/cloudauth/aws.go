package cloudauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// AWSSigV4Transport signs outbound requests with AWS Signature Version 4,
// e.g. for Lambda function URLs or API Gateway endpoints using IAM auth.
// The body is buffered to compute the payload hash.
type AWSSigV4Transport struct {
	base    http.RoundTripper
	creds   aws.CredentialsProvider
	signer  *v4.Signer
	region  string
	service string
	now     func() time.Time
}

// NewAWSSigV4Transport returns a transport signing for region and service
// (e.g. "eu-west-1", "lambda") with credentials from creds.
func NewAWSSigV4Transport(base http.RoundTripper, creds aws.CredentialsProvider, region, service string) *AWSSigV4Transport {
	return &AWSSigV4Transport{
		base:    base,
		creds:   creds,
		signer:  v4.NewSigner(),
		region:  region,
		service: service,
		now:     time.Now,
	}
}

// NewAWSSigV4TransportFromEnv resolves credentials through the default AWS
// chain (environment, shared config, IMDS).
func NewAWSSigV4TransportFromEnv(ctx context.Context, base http.RoundTripper, region, service string) (*AWSSigV4Transport, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("cloudauth: load AWS config: %w", err)
	}
	return NewAWSSigV4Transport(base, cfg.Credentials, region, service), nil
}

// RoundTrip signs a copy of r and forwards it to the base transport.
func (t *AWSSigV4Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("cloudauth: read body for signing: %w", err)
		}
	}

	r2 := r.Clone(r.Context())
	r2.ContentLength = int64(len(body))
	if len(body) > 0 {
		r2.Body = io.NopCloser(bytes.NewReader(body))
	} else {
		r2.Body = http.NoBody
	}

	creds, err := t.creds.Retrieve(r.Context())
	if err != nil {
		return nil, fmt.Errorf("cloudauth: retrieve AWS credentials: %w", err)
	}
	sum := sha256.Sum256(body)
	if err := t.signer.SignHTTP(r.Context(), creds, r2, hex.EncodeToString(sum[:]), t.service, t.region, t.now()); err != nil {
		return nil, fmt.Errorf("cloudauth: sign request: %w", err)
	}
	return baseOrDefault(t.base).RoundTrip(r2)
}
