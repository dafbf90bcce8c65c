package service

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cardvault-backend/internal/domain"
	"cardvault-backend/internal/logger"
	"cardvault-backend/internal/repository"
	"cardvault-backend/internal/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxIdempotencyKeyLength = 128

type fulfillmentService struct {
	productRepo   repository.ProductRepository
	inventoryRepo repository.InventoryRepository
	orderRepo     repository.OrderRepository
	ledgerRepo    repository.LedgerRepository
	reservations  ReservationService
	ledger        LedgerService
	inventory     InventoryService
	idem          IdempotencyCache
	compensator   *Compensator
	currency      string
}

func NewFulfillmentService(
	productRepo repository.ProductRepository,
	inventoryRepo repository.InventoryRepository,
	orderRepo repository.OrderRepository,
	ledgerRepo repository.LedgerRepository,
	reservations ReservationService,
	ledger LedgerService,
	inventory InventoryService,
	idem IdempotencyCache,
	compensator *Compensator,
	currency string,
) FulfillmentService {
	if idem == nil {
		idem = nopIdempotency{}
	}
	if compensator == nil {
		compensator = NewCompensator(1, 0)
	}
	return &fulfillmentService{
		productRepo:   productRepo,
		inventoryRepo: inventoryRepo,
		orderRepo:     orderRepo,
		ledgerRepo:    ledgerRepo,
		reservations:  reservations,
		ledger:        ledger,
		inventory:     inventory,
		idem:          idem,
		compensator:   compensator,
		currency:      currency,
	}
}

func (s *fulfillmentService) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (*domain.OrderResult, error) {
	logger.EnterMethod("fulfillmentService.CreateOrder", "tenantID", req.TenantID, "buyerID", req.BuyerID, "lines", len(req.Items))

	lines, err := validateOrderRequest(req)
	if err != nil {
		logger.ExitMethodWithError("fulfillmentService.CreateOrder", err)
		return nil, err
	}
	hash := requestHash(req.TenantID, req.BuyerID, lines)

	if req.IdempotencyKey != "" {
		scope := IdempotencyScope(req.TenantID, req.BuyerID, req.IdempotencyKey)
		unlock, acquired, err := s.idem.Lock(ctx, scope)
		switch {
		case err != nil:
			// the unique index on the order table still guards the key
			logger.Warn("Idempotency lock unavailable", "scope", scope, "error", err)
		case !acquired:
			return nil, domain.NewConflict("a request with this idempotency key is already in progress")
		default:
			defer unlock()
		}

		prior, err := s.replay(ctx, req, scope, hash)
		if err != nil {
			logger.ExitMethodWithError("fulfillmentService.CreateOrder", err)
			return nil, err
		}
		if prior != nil {
			logger.ExitMethod("fulfillmentService.CreateOrder", "orderID", prior.ID, "replayed", true)
			return &domain.OrderResult{Order: prior, Replayed: true}, nil
		}
	}

	res, err := s.placeOrder(ctx, req, lines, hash)
	if err != nil {
		logger.ExitMethodWithError("fulfillmentService.CreateOrder", err)
		return nil, err
	}

	if req.IdempotencyKey != "" && !res.Replayed {
		scope := IdempotencyScope(req.TenantID, req.BuyerID, req.IdempotencyKey)
		if err := s.idem.Put(ctx, scope, res.Order.ID); err != nil {
			logger.Warn("Failed to cache idempotency key", "scope", scope, "orderID", res.Order.ID, "error", err)
		}
	}
	logger.ExitMethod("fulfillmentService.CreateOrder", "orderID", res.Order.ID, "status", res.Order.Status, "replayed", res.Replayed)
	return res, nil
}

// placeOrder runs the saga: pre-checks, PENDING order, reservations, debit,
// then delivery. Every failure after the order row exists compensates what
// was done and leaves the order FAILED.
func (s *fulfillmentService) placeOrder(ctx context.Context, req domain.CreateOrderRequest, lines []domain.OrderLine, hash string) (*domain.OrderResult, error) {
	now := time.Now().UTC()

	products := make(map[int64]*domain.Product, len(lines))
	for _, line := range lines {
		p, err := s.checkLine(ctx, req.TenantID, line, now)
		if err != nil {
			return nil, err
		}
		products[line.ProductID] = p
	}

	cost, err := utils.CalculateOrderCost(lines, products)
	if err != nil {
		return nil, domain.NewValidationError("items", err.Error())
	}

	ok, err := s.ledger.HasSufficientBalance(ctx, req.TenantID, req.BuyerID, cost.Total)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.insufficientFunds(ctx, req.TenantID, req.BuyerID, cost.Total)
	}

	order := &domain.Order{
		TenantID:      req.TenantID,
		OrderNumber:   newOrderNumber(now),
		BuyerID:       req.BuyerID,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		Subtotal:      cost.Subtotal,
		Tax:           cost.Tax,
		Total:         cost.Total,
		Currency:      s.currency,
		RequestHash:   hash,
		Items:         cost.ToOrderItems(),
		SubmittedAt:   now,
		CreatedAt:     now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}
	if err := s.orderRepo.Create(ctx, order); err != nil {
		if errors.Is(err, domain.ErrConflict) && req.IdempotencyKey != "" {
			// lost a race with a request that held no lock; hand back its order
			scope := IdempotencyScope(req.TenantID, req.BuyerID, req.IdempotencyKey)
			prior, rerr := s.replay(ctx, req, scope, hash)
			if rerr != nil {
				return nil, rerr
			}
			if prior != nil {
				return &domain.OrderResult{Order: prior, Replayed: true}, nil
			}
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	log := logger.WithOrder(order.TenantID, order.ID)
	log.Info("Order created", "orderNumber", order.OrderNumber, "total", order.Total.StringFixed(2))

	var reserved []int64
	for _, item := range order.Items {
		res, err := s.reservations.Reserve(ctx, order.TenantID, item.ProductID, item.Quantity, order.ID)
		if err != nil {
			log.Info("Reservation failed, rolling back order", "productID", item.ProductID, "error", err)
			s.abort(ctx, order, reserved, err.Error())
			return nil, err
		}
		reserved = append(reserved, res.UnitIDs...)
	}

	if err := s.orderRepo.Transition(ctx, domain.OrderTransition{
		OrderID: order.ID,
		From:    []domain.OrderStatus{domain.OrderStatusPending},
		To:      domain.OrderStatusReserved,
		At:      time.Now().UTC(),
	}); err != nil {
		s.abort(ctx, order, reserved, "could not mark order reserved")
		return nil, err
	}

	if err := s.debit(ctx, order); err != nil {
		if errors.Is(err, errPaymentUnknown) {
			// money may have moved; leave the order RESERVED for reconciliation
			log.Error("Payment outcome unknown, leaving order for reconciliation", "error", err)
			return nil, fmt.Errorf("%w: %v", domain.ErrTransientStorage, err)
		}
		log.Info("Debit failed, rolling back order", "error", err)
		s.abort(ctx, order, reserved, err.Error())
		return nil, err
	}

	err = s.orderRepo.Transition(ctx, domain.OrderTransition{
		OrderID:       order.ID,
		From:          []domain.OrderStatus{domain.OrderStatusReserved},
		To:            domain.OrderStatusPaid,
		PaymentStatus: domain.PaymentStatusPaid,
		At:            time.Now().UTC(),
	})
	if errors.Is(err, domain.ErrConflict) {
		// a sweep gave up on the order while we were charging; give the money back
		log.Error("Order moved on during payment, refunding", "error", err)
		s.refund(ctx, order)
		s.abort(ctx, order, reserved, "order abandoned during payment")
		return nil, err
	}
	if err != nil {
		// debited but still RESERVED: reconciliation promotes and delivers it
		return nil, err
	}

	delivered, err := s.deliver(ctx, order)
	if err != nil {
		return nil, err
	}
	return &domain.OrderResult{Order: delivered}, nil
}

// checkLine is the non-authoritative pre-check of one line.
func (s *fulfillmentService) checkLine(ctx context.Context, tenantID int64, line domain.OrderLine, now time.Time) (*domain.Product, error) {
	p, err := s.productRepo.GetByID(ctx, tenantID, line.ProductID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, domain.NewValidationError("items", fmt.Sprintf("product %d is not available for sale", p.ID))
	}
	if !p.QuantityAllowed(line.Quantity) {
		return nil, domain.NewValidationError("items", fmt.Sprintf("quantity %d for product %d is outside the allowed range", line.Quantity, p.ID))
	}
	if p.Currency != "" && p.Currency != s.currency {
		return nil, domain.NewValidationError("items", fmt.Sprintf("product %d is priced in %s", p.ID, p.Currency))
	}
	available, err := s.inventoryRepo.CountAvailable(ctx, tenantID, p.ID, now)
	if err != nil {
		return nil, err
	}
	if available < line.Quantity {
		return nil, &domain.InsufficientStockError{ProductID: p.ID, Requested: line.Quantity, Available: available}
	}
	return p, nil
}

func (s *fulfillmentService) insufficientFunds(ctx context.Context, tenantID, buyerID int64, required decimal.Decimal) error {
	balance := decimal.Zero
	if acct, err := s.ledgerRepo.GetAccount(ctx, tenantID, buyerID); err == nil {
		balance = acct.Balance
	}
	return &domain.InsufficientFundsError{Balance: balance, Required: required, Currency: s.currency}
}

var errPaymentUnknown = errors.New("payment outcome unknown")

// debit charges the order total once. When the ledger call fails for a
// reason other than a business rule, the ledger is consulted before deciding.
func (s *fulfillmentService) debit(ctx context.Context, order *domain.Order) error {
	ref := domain.OrderReference(order.ID)
	_, err := s.ledger.Debit(ctx, LedgerMutationRequest{
		TenantID: order.TenantID,
		UserID:   order.BuyerID,
		Amount:   order.Total,
		Type:     domain.EntryTypePurchase,
		Description: domain.Description{
			EN: "Purchase of order " + order.OrderNumber,
			AR: "شراء الطلب " + order.OrderNumber,
		},
		Reference: ref,
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
		return err
	}

	_, lookupErr := s.ledgerRepo.FindEntryByReference(ctx, order.TenantID, order.BuyerID, domain.EntryTypePurchase, ref)
	switch {
	case lookupErr == nil:
		logger.Info("Debit already recorded for order", "orderID", order.ID)
		return nil
	case errors.Is(lookupErr, domain.ErrNotFound):
		return err
	default:
		return fmt.Errorf("%w: debit: %v, lookup: %v", errPaymentUnknown, err, lookupErr)
	}
}

// deliver claims a paid order by moving it to PROCESSING, sells every unit
// still reserved for it, snapshots the delivery records and closes the order.
// A claimed order can no longer be cancelled. Safe to run again on a
// PROCESSING order.
func (s *fulfillmentService) deliver(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	log := logger.WithOrder(order.TenantID, order.ID)

	if err := s.claim(ctx, order); err != nil {
		return nil, err
	}
	if order.Status.Delivered() {
		return order, nil
	}

	units, err := s.inventoryRepo.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	var toSell []int64
	for _, u := range units {
		if u.Status == domain.UnitStatusReserved {
			toSell = append(toSell, u.ID)
		}
	}
	if len(toSell) > 0 {
		if err := s.reservations.MarkSold(ctx, toSell, order.BuyerID, order.ID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	var (
		records    []domain.DeliveryRecord
		productIDs []int64
	)
	for _, u := range units {
		if u.Status != domain.UnitStatusReserved && u.Status != domain.UnitStatusSold {
			continue
		}
		item := order.ItemForProduct(u.ProductID)
		if item == nil {
			log.Error("Unit held for order has no matching line", "unitID", u.ID, "productID", u.ProductID)
			continue
		}
		records = append(records, domain.DeliveryRecord{
			OrderID:     order.ID,
			OrderItemID: item.ID,
			UnitID:      u.ID,
			Code:        u.Code,
			Pin:         u.Pin,
			DeliveredAt: now,
		})
		if !slices.Contains(productIDs, u.ProductID) {
			productIDs = append(productIDs, u.ProductID)
		}
	}
	if len(records) != order.TotalQuantity() {
		log.Error("Order holds the wrong number of units", "want", order.TotalQuantity(), "have", len(records))
		return nil, domain.NewConflict("order %d holds %d units, expected %d", order.ID, len(records), order.TotalQuantity())
	}

	if err := s.orderRepo.CreateDeliveries(ctx, records); err != nil {
		return nil, err
	}
	err = s.orderRepo.Transition(ctx, domain.OrderTransition{
		OrderID: order.ID,
		From:    []domain.OrderStatus{domain.OrderStatusProcessing},
		To:      domain.OrderStatusDelivered,
		At:      now,
	})
	if err != nil {
		return nil, err
	}
	log.Info("Order delivered", "units", len(records))

	refreshQuietly(ctx, s.inventory, order.TenantID, productIDs...)
	return s.orderRepo.GetByID(ctx, order.TenantID, order.ID)
}

// claim moves the order from PAID to PROCESSING. An order another caller
// already claimed or delivered is taken as it is now; on return order holds
// the current status.
func (s *fulfillmentService) claim(ctx context.Context, order *domain.Order) error {
	err := s.orderRepo.Transition(ctx, domain.OrderTransition{
		OrderID: order.ID,
		From:    []domain.OrderStatus{domain.OrderStatusPaid},
		To:      domain.OrderStatusProcessing,
		At:      time.Now().UTC(),
	})
	if err == nil {
		order.Status = domain.OrderStatusProcessing
		return nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return err
	}

	current, gerr := s.orderRepo.GetByID(ctx, order.TenantID, order.ID)
	if gerr != nil {
		return gerr
	}
	switch {
	case current.Status == domain.OrderStatusProcessing:
		order.Status = current.Status
		return nil
	case current.Status.Delivered():
		*order = *current
		return nil
	default:
		return err
	}
}

// abort releases what the order holds and marks it FAILED. The idempotency
// key is cleared so the client can retry with the same key.
func (s *fulfillmentService) abort(ctx context.Context, order *domain.Order, unitIDs []int64, reason string) {
	if len(unitIDs) > 0 {
		_ = s.compensator.Run(ctx, "release reservations", func(ctx context.Context) error {
			return s.reservations.Release(ctx, unitIDs)
		}, "orderID", order.ID, "unitIDs", unitIDs)
	}
	_ = s.compensator.Run(ctx, "fail order", func(ctx context.Context) error {
		return s.orderRepo.Transition(ctx, domain.OrderTransition{
			OrderID:             order.ID,
			From:                []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusReserved},
			To:                  domain.OrderStatusFailed,
			PaymentStatus:       domain.PaymentStatusFailed,
			At:                  time.Now().UTC(),
			FailureReason:       reason,
			ClearIdempotencyKey: true,
		})
	}, "orderID", order.ID)
}

func (s *fulfillmentService) refund(ctx context.Context, order *domain.Order) {
	_ = s.compensator.Run(ctx, "refund order", func(ctx context.Context) error {
		_, err := s.ledger.Credit(ctx, refundRequest(order))
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}, "orderID", order.ID, "amount", order.Total.StringFixed(2))
}

func refundRequest(order *domain.Order) LedgerMutationRequest {
	return LedgerMutationRequest{
		TenantID: order.TenantID,
		UserID:   order.BuyerID,
		Amount:   order.Total,
		Type:     domain.EntryTypeRefund,
		Description: domain.Description{
			EN: "Refund of order " + order.OrderNumber,
			AR: "استرداد الطلب " + order.OrderNumber,
		},
		Reference: domain.OrderReference(order.ID),
	}
}

// replay returns the order an earlier request created under the same key,
// or nil when there is none.
func (s *fulfillmentService) replay(ctx context.Context, req domain.CreateOrderRequest, scope, hash string) (*domain.Order, error) {
	var prior *domain.Order
	if id, found, err := s.idem.Get(ctx, scope); err != nil {
		logger.Warn("Idempotency cache read failed", "scope", scope, "error", err)
	} else if found {
		o, err := s.orderRepo.GetByID(ctx, req.TenantID, id)
		if err == nil && o.BuyerID == req.BuyerID && o.IdempotencyKey != nil && *o.IdempotencyKey == req.IdempotencyKey {
			prior = o
		}
	}
	if prior == nil {
		o, err := s.orderRepo.GetByIdempotencyKey(ctx, req.TenantID, req.BuyerID, req.IdempotencyKey)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		prior = o
		if err := s.idem.Put(ctx, scope, o.ID); err != nil {
			logger.Warn("Failed to cache idempotency key", "scope", scope, "error", err)
		}
	}
	if prior.RequestHash != hash {
		return nil, domain.NewConflict("idempotency key was already used for a different request")
	}
	return prior, nil
}

func (s *fulfillmentService) GetOrder(ctx context.Context, tenantID, orderID int64) (*domain.Order, error) {
	return s.orderRepo.GetByID(ctx, tenantID, orderID)
}

func (s *fulfillmentService) ResumeDelivery(ctx context.Context, tenantID, orderID int64) (*domain.Order, error) {
	order, err := s.orderRepo.GetByID(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case domain.OrderStatusDelivered, domain.OrderStatusCompleted:
		return order, nil
	case domain.OrderStatusPaid, domain.OrderStatusProcessing:
		return s.deliver(ctx, order)
	case domain.OrderStatusReserved:
		_, err := s.ledgerRepo.FindEntryByReference(ctx, tenantID, order.BuyerID, domain.EntryTypePurchase, domain.OrderReference(order.ID))
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &UnpaidOrderError{OrderID: order.ID}
		}
		if err != nil {
			return nil, err
		}
		err = s.orderRepo.Transition(ctx, domain.OrderTransition{
			OrderID:       order.ID,
			From:          []domain.OrderStatus{domain.OrderStatusReserved},
			To:            domain.OrderStatusPaid,
			PaymentStatus: domain.PaymentStatusPaid,
			At:            time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		order.Status = domain.OrderStatusPaid
		return s.deliver(ctx, order)
	case domain.OrderStatusPending, domain.OrderStatusDraft:
		return nil, &UnpaidOrderError{OrderID: order.ID}
	default:
		return nil, domain.NewConflict("order %d is %s and cannot be delivered", order.ID, order.Status)
	}
}

func (s *fulfillmentService) MarkDeliveryViewed(ctx context.Context, tenantID, buyerID, orderID, deliveryID int64) error {
	order, err := s.orderRepo.GetByID(ctx, tenantID, orderID)
	if err != nil {
		return err
	}
	if order.BuyerID != buyerID {
		return &domain.NotFoundError{Entity: "order", ID: orderID}
	}
	if !order.Status.Delivered() {
		return domain.NewConflict("order %d has not been delivered", orderID)
	}
	return s.orderRepo.MarkDeliveryViewed(ctx, orderID, deliveryID, time.Now().UTC())
}

// UnpaidOrderError is returned by ResumeDelivery for an order with no
// purchase entry in the ledger.
type UnpaidOrderError struct {
	OrderID int64
}

func (e *UnpaidOrderError) Error() string {
	return fmt.Sprintf("order %d was never paid", e.OrderID)
}

func (e *UnpaidOrderError) Is(target error) bool { return target == domain.ErrConflict }

// IdempotencyScope is the cache key of an idempotency key.
func IdempotencyScope(tenantID, buyerID int64, key string) string {
	return fmt.Sprintf("idem:order:create:%d:%d:%s", tenantID, buyerID, key)
}

func validateOrderRequest(req domain.CreateOrderRequest) ([]domain.OrderLine, error) {
	if req.TenantID <= 0 || req.BuyerID <= 0 {
		return nil, domain.NewValidationError("buyer", "tenant and buyer are required")
	}
	if len(req.Items) == 0 {
		return nil, domain.NewValidationError("items", "order has no items")
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		return nil, domain.NewValidationError("idempotency_key", fmt.Sprintf("longer than %d characters", maxIdempotencyKeyLength))
	}

	var lines []domain.OrderLine
	for _, it := range req.Items {
		if it.ProductID <= 0 {
			return nil, domain.NewValidationError("items", "product id is required")
		}
		if it.Quantity <= 0 {
			return nil, domain.NewValidationError("items", fmt.Sprintf("quantity for product %d must be positive", it.ProductID))
		}
		// repeated products collapse into one line
		if i := slices.IndexFunc(lines, func(l domain.OrderLine) bool { return l.ProductID == it.ProductID }); i >= 0 {
			lines[i].Quantity += it.Quantity
			continue
		}
		lines = append(lines, it)
	}
	return lines, nil
}

// requestHash fingerprints what was ordered, independent of line order.
func requestHash(tenantID, buyerID int64, lines []domain.OrderLine) string {
	sorted := slices.Clone(lines)
	slices.SortFunc(sorted, func(a, b domain.OrderLine) int { return cmp.Compare(a.ProductID, b.ProductID) })
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%d", tenantID, buyerID)
	for _, l := range sorted {
		fmt.Fprintf(&b, "|%d:%d", l.ProductID, l.Quantity)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func newOrderNumber(now time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "CV-" + now.Format("20060102") + "-" + id[:12]
}

type nopIdempotency struct{}

func (nopIdempotency) Get(context.Context, string) (int64, bool, error) { return 0, false, nil }
func (nopIdempotency) Put(context.Context, string, int64) error         { return nil }
func (nopIdempotency) Lock(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}
