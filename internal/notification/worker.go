// Package notification delivers web push alerts to subscribers of a machine
// when an accepted state upsert reports the machine broken.
package notification

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"mes-backend/internal/model"
)

// Sender defines the interface for sending a web push notification.
type Sender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is the real Sender implementation using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool manages a pool of workers for sending push alerts.
type WorkerPool struct {
	size    int
	jobs    chan int64
	db      *gorm.DB
	webpush *webpush.Options
	sender  Sender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan int64, size),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("alert worker %d started", id)
	for {
		select {
		case machineID := <-wp.jobs:
			wp.alertSubscribers(ctx, machineID)
		case <-ctx.Done():
			log.Printf("alert worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues an alert job for the given machine. Alerts are
// observer-only: when the queue is full the job is dropped rather than
// back-pressuring the request path.
func (wp *WorkerPool) Dispatch(machineID int64) {
	select {
	case wp.jobs <- machineID:
	default:
		log.Printf("alert queue full, dropping alert for machine %d", machineID)
	}
}

// alertSubscribers fetches the machine's subscriptions and pushes an alert to
// each of them.
func (wp *WorkerPool) alertSubscribers(ctx context.Context, machineID int64) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_machine_mapping smm ON smm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("smm.machine_id = ?", machineID).
		Find(&subscriptions).Error
	if err != nil {
		log.Printf("error fetching subscriptions for machine %d: %v", machineID, err)
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	var machine model.Machine
	machineLabel := fmt.Sprintf("%d", machineID)
	if err := wp.db.WithContext(ctx).
		Select("name").
		First(&machine, machineID).Error; err != nil {
		log.Printf("error fetching machine %d: %v", machineID, err)
	} else if machine.Name != "" {
		machineLabel = machine.Name
	}

	log.Printf("sending %d broken-machine alerts for machine %d", len(subscriptions), machineID)

	payload := []byte(fmt.Sprintf("Machine %s reported broken", machineLabel))
	for _, sub := range subscriptions {
		wp.push(ctx, sub, payload)
	}
}

// push sends a single web push notification and prunes expired subscriptions.
func (wp *WorkerPool) push(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("error sending alert to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		log.Printf("subscription %s is expired, deleting", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			log.Printf("failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
