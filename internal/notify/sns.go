package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog/log"

	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/alert"
	"github.com/rostyslav-berezhnytskyi/SmartMeterApp/internal/config"
)

// snsAPI is the one SNS call the sink uses; stubbed in tests.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes ERROR+ raises and their resolves to an SNS topic.
// It is intentionally quieter than the other sinks: SNS fan-out usually
// pages somebody.
type SNSSink struct {
	svc      snsAPI
	topicArn string
}

func NewSNSSink(cfg config.SNS) (*SNSSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	log.Info().Str("region", cfg.Region).Str("topic", cfg.TopicArn).Msg("sns_sink_registered")
	return &SNSSink{svc: sns.NewFromConfig(awsCfg), topicArn: cfg.TopicArn}, nil
}

func (s *SNSSink) OnRaise(a alert.View) {
	if a.Severity < alert.ERROR {
		return
	}
	subject := fmt.Sprintf("SmartMeter alert: %s (%s)", a.Key, a.Severity)
	body := fmt.Sprintf("Alert %s\nSeverity: %s\n%s\nFirst seen: %s\nCount: %d",
		a.Key, a.Severity, a.Message,
		time.UnixMilli(a.FirstSeen).UTC().Format(time.RFC3339), a.Count)
	s.send(subject, body)
}

func (s *SNSSink) OnResolve(a alert.View) {
	if a.Severity < alert.ERROR {
		return
	}
	subject := fmt.Sprintf("SmartMeter recovered: %s", a.Key)
	body := fmt.Sprintf("Alert %s resolved at %s", a.Key,
		time.UnixMilli(a.LastSeen).UTC().Format(time.RFC3339))
	s.send(subject, body)
}

func (s *SNSSink) send(subject, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.svc.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		log.Warn().Err(err).Msg("sns_publish_failed")
	}
}
