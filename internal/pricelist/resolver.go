package pricelist

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
)

// PricingAPI is the subset of the AWS Pricing client the resolver needs.
type PricingAPI interface {
	ListPriceLists(ctx context.Context, params *pricing.ListPriceListsInput, optFns ...func(*pricing.Options)) (*pricing.ListPriceListsOutput, error)
	GetPriceListFileUrl(ctx context.Context, params *pricing.GetPriceListFileUrlInput, optFns ...func(*pricing.Options)) (*pricing.GetPriceListFileUrlOutput, error)
}

// Resolver fetches the price-list document that was effective on a given
// calendar date. A date with no published price list is a normal outcome and
// is reported as a nil document, not an error.
type Resolver struct {
	api        PricingAPI
	httpClient *http.Client
	region     string
	logger     *slog.Logger
}

// NewResolver builds a resolver backed by the AWS Pricing API. The Pricing
// API itself is only served out of a handful of regions; region here is both
// the API endpoint region and the RegionCode the catalog is filtered on.
func NewResolver(ctx context.Context, region string, logger *slog.Logger) (*Resolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Resolver{
		api:        pricing.NewFromConfig(cfg),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		region:     region,
		logger:     logger,
	}, nil
}

// Resolve returns the decoded price list effective on day, or (nil, nil)
// when the catalog has no snapshot for that date.
func (r *Resolver) Resolve(ctx context.Context, day time.Time) (*Document, error) {
	out, err := r.api.ListPriceLists(ctx, &pricing.ListPriceListsInput{
		ServiceCode:   aws.String("AmazonEC2"),
		CurrencyCode:  aws.String("USD"),
		EffectiveDate: aws.Time(day),
		RegionCode:    aws.String(r.region),
		MaxResults:    aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("list price lists for %s: %w", day.Format("2006-01-02"), err)
	}
	if len(out.PriceLists) == 0 {
		return nil, nil
	}

	urlOut, err := r.api.GetPriceListFileUrl(ctx, &pricing.GetPriceListFileUrlInput{
		PriceListArn: out.PriceLists[0].PriceListArn,
		FileFormat:   aws.String("json"),
	})
	if err != nil {
		return nil, fmt.Errorf("get price list url: %w", err)
	}

	body, err := r.download(ctx, aws.ToString(urlOut.Url))
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode price list: %w", err)
	}
	r.logger.Debug("price list resolved",
		"effective_date", day.Format("2006-01-02"),
		"products", len(doc.Products),
		"bytes", len(body))
	return &doc, nil
}

func (r *Resolver) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download price list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download price list: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read price list body: %w", err)
	}
	return maybeGunzip(body)
}

// maybeGunzip transparently decompresses gzip payloads. The file URL does not
// declare a content encoding, so the magic bytes are the only reliable signal.
func maybeGunzip(body []byte) ([]byte, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open gzip price list: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress price list: %w", err)
	}
	return out, nil
}
