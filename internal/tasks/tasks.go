package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg" // For encoding JPEG
	"io"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hibiken/asynq"
	"github.com/nfnt/resize"
	"github.com/redis/go-redis/v9"

	"github.com/johndetlefs/client-management-app-sub000/internal/config"
	"github.com/johndetlefs/client-management-app-sub000/internal/email"
	"github.com/johndetlefs/client-management-app-sub000/internal/services"
	"github.com/johndetlefs/client-management-app-sub000/internal/utils"
)

// TaskType defines the type of a background task.
const (
	TypeEmailDelivery       = "email:deliver"
	TypeReceiptProcess      = "receipt:process"
	TypeInvoiceCheckOverdue = "billing:invoice:check_overdue"
	TypeEnquiryNotify       = "billing:enquiry:notify"
)

// --- Task Client (Enqueuing tasks) ---

func NewClient(rdb *redis.Client) *asynq.Client {
	clientOpt := asynq.RedisClientOpt{
		Addr: rdb.Options().Addr,
		// Add Password, DB if needed from rdb.Options()
	}
	return asynq.NewClient(clientOpt)
}

// --- Task Server (Processing tasks) ---

// TaskProcessor handles the processing of tasks.
// It holds dependencies needed by task handlers.
type TaskProcessor struct {
	cfg                  *config.Config
	emailSender          email.Sender
	jobItemService       services.IJobItemService
	invoiceService       services.IInvoiceService
	enquiryService       services.IEnquiryService
	userService          services.IUserService
	configService        services.IConfigService
	emailTemplateService services.IEmailTemplateService
	s3Client             *s3.Client
	taskClient           *asynq.Client
}

func NewTaskProcessor(
	cfg *config.Config,
	emailSender email.Sender,
	jobItemService services.IJobItemService,
	invoiceService services.IInvoiceService,
	enquiryService services.IEnquiryService,
	userService services.IUserService,
	configService services.IConfigService,
	emailTemplateService services.IEmailTemplateService,
	s3Client *s3.Client,
	taskClient *asynq.Client,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:                  cfg,
		emailSender:          emailSender,
		jobItemService:       jobItemService,
		invoiceService:       invoiceService,
		enquiryService:       enquiryService,
		userService:          userService,
		configService:        configService,
		emailTemplateService: emailTemplateService,
		s3Client:             s3Client,
		taskClient:           taskClient,
	}
}

// SetupServer configures and returns an Asynq server instance.
func SetupServer(rdb *redis.Client, processor *TaskProcessor, isReceiptWorker bool, isBgWorker bool) *asynq.Server {
	serverOpt := asynq.RedisClientOpt{
		Addr: rdb.Options().Addr,
		// Add Password, DB if needed
	}

	srv := asynq.NewServer(
		serverOpt,
		asynq.Config{
			// Specify different queues for different task types based on worker mode
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
				"receipts": 5, // Separate queue for receipt image processing
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				fmt.Printf("[Asynq Error] Task Type: %s, Payload: %s, Error: %v\n", task.Type(), string(task.Payload()), err)
			}),
		},
	)

	// Register handlers based on worker type
	mux := asynq.NewServeMux()

	if isBgWorker { // Register handlers for the main background worker
		mux.HandleFunc(TypeEmailDelivery, processor.HandleEmailDeliveryTask)
		mux.HandleFunc(TypeInvoiceCheckOverdue, processor.HandleInvoiceCheckOverdueTask)
		mux.HandleFunc(TypeEnquiryNotify, processor.HandleEnquiryNotifyTask)
		fmt.Println("Registered background task handlers (email, overdue sweep, enquiries).")
	}

	if isReceiptWorker { // Register handlers for the receipt processing worker
		mux.HandleFunc(TypeReceiptProcess, processor.HandleReceiptProcessTask)
		fmt.Println("Registered receipt processing task handlers.")
	}

	if !isBgWorker && !isReceiptWorker {
		// API mode doesn't run a task server, but could potentially enqueue tasks
		fmt.Println("Running in API mode, no task server started.")
		return nil
	}

	// Start the server with the configured mux. Run blocks until Shutdown,
	// so the caller keeps the handle for graceful shutdown.
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("Could not run Asynq server: %v", err)
		}
	}()

	return srv
}

// --- Task Handlers ---

// EmailTaskPayload carries a templated email delivery request.
type EmailTaskPayload struct {
	To         string                 `json:"to"`
	TemplateID string                 `json:"template_id"`
	Locale     string                 `json:"locale,omitempty"` // Optional locale
	Data       map[string]interface{} `json:"data"`
}

func (p *TaskProcessor) HandleEmailDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload EmailTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal email task payload: %v: %w", err, asynq.SkipRetry)
	}

	fmt.Printf("Sending email task: To=%s, Template=%s\n", payload.To, payload.TemplateID)

	// Determine locale (use default if not provided)
	locale := payload.Locale
	if locale == "" {
		locale = "en-US"
	}

	// Get Email Template from DB
	tmpl, err := p.emailTemplateService.GetTemplate(ctx, payload.TemplateID, locale)
	if err != nil {
		log.Printf("Error getting email template %s/%s: %v", payload.TemplateID, locale, err)
		// Non-retryable if template not found
		return fmt.Errorf("email template not found: %w", asynq.SkipRetry)
	}

	// Simple placeholder replacement (replace {{.key}})
	subjectRendered := tmpl.Subject
	bodyRendered := tmpl.Body
	for key, val := range payload.Data {
		placeholder := fmt.Sprintf("{{.%s}}", key)
		valueStr := fmt.Sprintf("%v", val) // Basic string conversion
		subjectRendered = strings.ReplaceAll(subjectRendered, placeholder, valueStr)
		bodyRendered = strings.ReplaceAll(bodyRendered, placeholder, valueStr)
	}

	// Construct the raw email message including headers
	fromAddress := p.cfg.SmtpFromAddress
	if fromAddress == "" {
		fromAddress = "noreply@example.com"
		log.Printf("Warning: SmtpFromAddress not configured, using fallback %s for email to %s", fromAddress, payload.To)
	}

	// Basic email structure with essential headers.
	// Note: Proper MIME encoding for HTML or attachments would be more complex.
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("To: %s\r\n", payload.To))
	sb.WriteString(fmt.Sprintf("From: %s\r\n", fromAddress))
	sb.WriteString(fmt.Sprintf("Subject: %s\r\n", subjectRendered))
	sb.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	sb.WriteString("\r\n") // End of headers
	sb.WriteString(bodyRendered)
	sb.WriteString("\r\n")

	rawMessage := []byte(sb.String())

	err = p.emailSender.Send(ctx, []string{payload.To}, subjectRendered, rawMessage)
	if err != nil {
		fmt.Printf("Email sending failed (will retry?): %v\n", err)
		return err
	}

	fmt.Printf("Email task processed successfully: To=%s, Template=%s\n", payload.To, payload.TemplateID)
	return nil
}

// ReceiptTaskPayload identifies an uploaded receipt image to normalize.
type ReceiptTaskPayload struct {
	S3Key     string `json:"s3_key"`
	JobItemID string `json:"job_item_id"`
}

// HandleReceiptProcessTask downloads an uploaded receipt image, resizes it to
// the configured bounds, re-uploads and attaches the key to the job item.
func (p *TaskProcessor) HandleReceiptProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ReceiptTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal receipt task payload: %v: %w", err, asynq.SkipRetry)
	}

	jobItemID, err := utils.ParseSixID(payload.JobItemID)
	if err != nil {
		log.Printf("Invalid JobItemID in receipt task payload: %s", payload.JobItemID)
		return fmt.Errorf("invalid job item ID in payload: %w", asynq.SkipRetry)
	}

	log.Printf("Processing receipt task: S3Key=%s, JobItemID=%s\n", payload.S3Key, payload.JobItemID)

	// 1. Download image from S3
	getObjectOutput, err := p.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.AwsS3Bucket),
		Key:    aws.String(payload.S3Key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			log.Printf("S3 object %s not found, likely upload failed or key incorrect.", payload.S3Key)
			return fmt.Errorf("s3 object not found: %w", asynq.SkipRetry)
		}
		return fmt.Errorf("failed to download receipt from S3: %w", err)
	}
	defer getObjectOutput.Body.Close()

	imgData, err := io.ReadAll(getObjectOutput.Body)
	if err != nil {
		log.Printf("Error reading receipt object body for key %s: %v", payload.S3Key, err)
		return fmt.Errorf("failed to read receipt data: %w", err)
	}

	// Check initial size before decoding (more efficient)
	maxSizeBytes := int64(p.cfg.ReceiptMaxSizeMB) * 1024 * 1024
	if int64(len(imgData)) > maxSizeBytes {
		log.Printf("Receipt %s exceeds max size (%d > %d bytes). Skipping.", payload.S3Key, len(imgData), maxSizeBytes)
		return fmt.Errorf("receipt exceeds max size: %w", asynq.SkipRetry)
	}

	img, format, err := image.Decode(bytes.NewReader(imgData))
	if err != nil {
		log.Printf("Error decoding receipt for key %s: %v", payload.S3Key, err)
		return fmt.Errorf("unsupported image format or corrupt image: %w", asynq.SkipRetry)
	}
	log.Printf("Decoded receipt %s, format: %s, size: %dx%d", payload.S3Key, format, img.Bounds().Dx(), img.Bounds().Dy())

	// 2. Check dimensions
	maxWidth := uint(p.cfg.ReceiptMaxDimension)
	maxHeight := uint(p.cfg.ReceiptMaxDimension)
	needsResize := uint(img.Bounds().Dx()) > maxWidth || uint(img.Bounds().Dy()) > maxHeight

	processedKey := payload.S3Key
	var processedData []byte
	contentType := *getObjectOutput.ContentType

	// 3. Resize if needed
	if needsResize {
		log.Printf("Resizing receipt %s (original: %dx%d, max: %dx%d)", payload.S3Key, img.Bounds().Dx(), img.Bounds().Dy(), maxWidth, maxHeight)
		resizedImg := resize.Thumbnail(maxWidth, maxHeight, img, resize.Lanczos3)
		var buf bytes.Buffer
		err = jpeg.Encode(&buf, resizedImg, &jpeg.Options{Quality: 85})
		if err != nil {
			log.Printf("Error encoding resized receipt %s: %v", payload.S3Key, err)
			return fmt.Errorf("failed to re-encode resized receipt: %w", err)
		}
		processedData = buf.Bytes()
		contentType = "image/jpeg" // Output is JPEG
		log.Printf("Resized receipt %s to %dx%d", payload.S3Key, resizedImg.Bounds().Dx(), resizedImg.Bounds().Dy())

		// Check size again after resizing/re-encoding
		if int64(len(processedData)) > maxSizeBytes {
			log.Printf("Resized receipt %s still exceeds max size (%d > %d bytes). Skipping.", payload.S3Key, len(processedData), maxSizeBytes)
			return fmt.Errorf("resized receipt still exceeds max size: %w", asynq.SkipRetry)
		}

	} else {
		processedData = imgData
	}

	// 4. Upload processed image (overwrite original)
	_, err = p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.AwsS3Bucket),
		Key:         aws.String(processedKey),
		Body:        bytes.NewReader(processedData),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		log.Printf("Error uploading processed receipt %s to S3: %v", processedKey, err)
		return fmt.Errorf("failed to upload processed receipt: %w", err)
	}

	// 5. Attach the key to the job item
	err = p.jobItemService.AttachReceiptKey(ctx, jobItemID, processedKey)
	if err != nil {
		log.Printf("Error attaching receipt key %s to job item %s: %v", processedKey, payload.JobItemID, err)
		return fmt.Errorf("failed to update job item with processed receipt: %w", err)
	}

	log.Printf("Receipt task processed successfully: Key=%s, JobItemID=%s", processedKey, payload.JobItemID)
	return nil
}

// formatMinor renders minor units as a decimal amount for emails.
func formatMinor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// HandleInvoiceCheckOverdueTask sweeps unpaid invoices past their due date,
// emails the issuer once per invoice, and re-enqueues itself at the
// configured interval.
func (p *TaskProcessor) HandleInvoiceCheckOverdueTask(ctx context.Context, t *asynq.Task) error {
	log.Println("Starting overdue invoice sweep...")

	invoices, err := p.invoiceService.FindOverdueInvoices(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("Error sweeping overdue invoices: %v", err)
		return err // Retry DB error
	}

	notifiedCount := 0
	for _, inv := range invoices {
		if inv.IssuedBy == nil {
			log.Printf("Overdue invoice %s has no issuer recorded. Marking notified without email.", inv.ID.String())
			_ = p.invoiceService.MarkInvoiceOverdueNotified(ctx, inv.ID)
			continue
		}
		issuer, err := p.userService.FindByID(ctx, *inv.IssuedBy)
		if err != nil {
			log.Printf("Error fetching issuer %s for overdue invoice %s: %v. Skipping.", inv.IssuedBy.String(), inv.ID.String(), err)
			continue
		}

		wantsEmail := issuer.NotificationPreferences == nil || issuer.NotificationPreferences.InvoiceOverdue
		if wantsEmail {
			dueDate := ""
			if inv.DueDate != nil {
				dueDate = inv.DueDate.Format("2 Jan 2006")
			}
			payload, err := json.Marshal(EmailTaskPayload{
				To:         issuer.Email,
				TemplateID: "invoice_overdue",
				Data: map[string]interface{}{
					"invoice_number": inv.InvoiceNumber,
					"client_name":    inv.Client.Name,
					"due_date":       dueDate,
					"balance_due":    formatMinor(inv.BalanceDueMinor),
				},
			})
			if err != nil {
				return fmt.Errorf("failed to marshal overdue email payload: %w", err)
			}
			emailTask := asynq.NewTask(TypeEmailDelivery, payload)
			if _, err := p.taskClient.EnqueueContext(ctx, emailTask, asynq.Queue("default")); err != nil {
				log.Printf("ERROR enqueuing overdue email for invoice %s: %v", inv.ID.String(), err)
				continue // Leave overdue_notified unset so the next sweep retries
			}
		}

		if err := p.invoiceService.MarkInvoiceOverdueNotified(ctx, inv.ID); err != nil {
			log.Printf("ERROR marking invoice %s overdue-notified: %v", inv.ID.String(), err)
			continue
		}
		notifiedCount++
	}

	log.Printf("Overdue sweep finished. Notified %d invoices.", notifiedCount)

	// Re-enqueue the sweep
	taskInfo, err := p.taskClient.EnqueueContext(ctx, t, asynq.ProcessIn(p.cfg.OverdueCheckInterval))
	if err != nil {
		log.Printf("ERROR failed to re-enqueue overdue sweep: %v", err)
		return err
	}
	log.Printf("Re-enqueued overdue sweep %s to run in %v.", taskInfo.ID, p.cfg.OverdueCheckInterval)
	return nil
}

// EnquiryNotifyPayload identifies a stored enquiry awaiting delivery.
type EnquiryNotifyPayload struct {
	EnquiryID string `json:"enquiry_id"`
}

// HandleEnquiryNotifyTask emails an invoice enquiry to the issuer and marks
// the enquiry sent.
func (p *TaskProcessor) HandleEnquiryNotifyTask(ctx context.Context, t *asynq.Task) error {
	var payload EnquiryNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal enquiry notify payload: %v: %w", err, asynq.SkipRetry)
	}

	enquiryID, err := utils.ParseSixID(payload.EnquiryID)
	if err != nil {
		log.Printf("Invalid EnquiryID in notify task payload: %s", payload.EnquiryID)
		return fmt.Errorf("invalid enquiry ID in payload: %w", asynq.SkipRetry)
	}

	enquiry, err := p.enquiryService.FindEnquiryByID(ctx, enquiryID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return fmt.Errorf("enquiry not found: %w", asynq.SkipRetry)
		}
		return err
	}
	if enquiry.Sent {
		log.Printf("Enquiry %s already sent. Skipping.", payload.EnquiryID)
		return nil
	}

	inv, err := p.invoiceService.FindInvoiceByID(ctx, enquiry.TenantID, enquiry.InvoiceID)
	if err != nil {
		log.Printf("Error fetching invoice %s for enquiry %s: %v", enquiry.InvoiceID.String(), payload.EnquiryID, err)
		return fmt.Errorf("invoice for enquiry not found: %w", asynq.SkipRetry)
	}

	recipient := ""
	wantsEmail := true
	if inv.IssuedBy != nil {
		if issuer, err := p.userService.FindByID(ctx, *inv.IssuedBy); err == nil {
			recipient = issuer.Email
			wantsEmail = issuer.NotificationPreferences == nil || issuer.NotificationPreferences.InvoiceEnquiry
		}
	}
	if recipient == "" {
		if creator, err := p.userService.FindByID(ctx, inv.CreatedBy); err == nil {
			recipient = creator.Email
		}
	}
	if recipient == "" {
		log.Printf("No recipient found for enquiry %s. Marking sent without email.", payload.EnquiryID)
		return p.enquiryService.MarkEnquirySent(ctx, enquiryID)
	}

	if wantsEmail {
		emailPayload, err := json.Marshal(EmailTaskPayload{
			To:         recipient,
			TemplateID: "invoice_enquiry",
			Data: map[string]interface{}{
				"invoice_number": inv.InvoiceNumber,
				"from_email":     enquiry.FromEmail,
				"message":        enquiry.Message,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to marshal enquiry email payload: %w", err)
		}
		emailTask := asynq.NewTask(TypeEmailDelivery, emailPayload)
		if _, err := p.taskClient.EnqueueContext(ctx, emailTask, asynq.Queue("default")); err != nil {
			log.Printf("ERROR enqueuing enquiry email for %s: %v", payload.EnquiryID, err)
			return err
		}
	}

	return p.enquiryService.MarkEnquirySent(ctx, enquiryID)
}
