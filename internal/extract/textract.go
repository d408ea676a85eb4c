package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	cfg "github.com/docpipe/docpipe/config"
	"github.com/docpipe/docpipe/pkg/logger"
)

// TextractExtractor runs pages through AWS Textract document analysis.
type TextractExtractor struct {
	client *textract.Client
	logger logger.Logger
}

func NewTextractExtractor(ctx context.Context, extractCfg *cfg.ExtractConfig, log logger.Logger) (*TextractExtractor, error) {
	creds := credentials.NewStaticCredentialsProvider(
		extractCfg.AWSAccessKey,
		extractCfg.AWSSecretKey,
		"",
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(extractCfg.AWSRegion),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return &TextractExtractor{
		client: textract.NewFromConfig(awsCfg),
		logger: log,
	}, nil
}

type textractLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (p *TextractExtractor) Extract(ctx context.Context, pageBytes []byte) (*Result, error) {
	out, err := p.client.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
		Document: &types.Document{
			Bytes: pageBytes,
		},
		FeatureTypes: []types.FeatureType{
			types.FeatureTypeTables,
			types.FeatureTypeForms,
		},
	})
	if err != nil {
		return nil, classifyTextractError(err)
	}

	lines := make([]textractLine, 0, len(out.Blocks))
	var confSum float64
	var confCount int
	for _, block := range out.Blocks {
		if block.BlockType != types.BlockTypeLine || block.Text == nil {
			continue
		}
		conf := 0.0
		if block.Confidence != nil {
			conf = float64(*block.Confidence) / 100
			confSum += conf
			confCount++
		}
		lines = append(lines, textractLine{Text: *block.Text, Confidence: conf})
	}

	fields, err := json.Marshal(map[string]interface{}{"lines": lines})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	confidence := 0.0
	if confCount > 0 {
		confidence = confSum / float64(confCount)
	}

	return &Result{
		Fields:     fields,
		ModelName:  "aws-textract",
		Confidence: confidence,
	}, nil
}

// classifyTextractError maps AWS failures onto the retryable/terminal
// taxonomy. Bad input never retries; throttling and server faults do.
func classifyTextractError(err error) error {
	var badDoc *types.BadDocumentException
	var tooLarge *types.DocumentTooLargeException
	var unsupported *types.UnsupportedDocumentException
	var invalidParam *types.InvalidParameterException
	if errors.As(err, &badDoc) || errors.As(err, &tooLarge) ||
		errors.As(err, &unsupported) || errors.As(err, &invalidParam) {
		return terminalError("LLM_REJECTED", "textract rejected document: %v", err)
	}

	var throttled *types.ProvisionedThroughputExceededException
	var throttling *types.ThrottlingException
	if errors.As(err, &throttled) || errors.As(err, &throttling) {
		return retryableError("LLM_THROTTLED", "textract throttled: %v", err)
	}

	return retryableError("LLM_UNAVAILABLE", "textract call failed: %v", err)
}
