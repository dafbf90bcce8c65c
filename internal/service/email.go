package service

import (
	"context"
	"fmt"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/logger"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// MailSender is the part of the Sendgrid client the email sink uses.
type MailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type emailService struct {
	client    MailSender
	fromEmail string
	fromName  string
	to        string
}

// NewEmailService returns a low-stock sink that mails the stock manager
// through Sendgrid.
func NewEmailService(apiKey, fromEmail, fromName, to string) AlertSink {
	return NewEmailServiceWithSender(sendgrid.NewSendClient(apiKey), fromEmail, fromName, to)
}

func NewEmailServiceWithSender(client MailSender, fromEmail, fromName, to string) AlertSink {
	return &emailService{client: client, fromEmail: fromEmail, fromName: fromName, to: to}
}

func (s *emailService) Name() string { return "sendgrid" }

func (s *emailService) SendLowStockAlert(ctx context.Context, alert domain.LowStockAlert) error {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	recipient := mail.NewEmail("Stock manager", s.to)

	name := alert.ProductName
	if name == "" {
		name = fmt.Sprintf("product %d", alert.ProductID)
	}
	subject := fmt.Sprintf("Low stock: %s (%d left)", name, alert.Remaining)
	plainText := fmt.Sprintf("Tenant %d: %s has %d available units left (threshold %d). Import more codes to keep it on sale.",
		alert.TenantID, name, alert.Remaining, alert.Threshold)
	htmlContent := fmt.Sprintf(`
		<html>
			<body>
				<h2>Low stock</h2>
				<p><strong>%s</strong> has <strong>%d</strong> available units left (threshold %d).</p>
			</body>
		</html>
	`, name, alert.Remaining, alert.Threshold)

	message := mail.NewSingleEmail(from, subject, recipient, plainText, htmlContent)

	logger.ExternalServiceCall("sendgrid", "Send", "productID", alert.ProductID)
	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		err = fmt.Errorf("failed to send email: %w", err)
		logger.ExternalServiceResult("sendgrid", "Send", err)
		return err
	}
	if response.StatusCode >= 400 {
		err = fmt.Errorf("sendgrid error: status %d, body: %s", response.StatusCode, response.Body)
		logger.ExternalServiceResult("sendgrid", "Send", err)
		return err
	}
	logger.ExternalServiceResult("sendgrid", "Send", nil, "status", response.StatusCode)
	return nil
}
