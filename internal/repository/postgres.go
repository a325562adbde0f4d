// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/venuehub/orderd/internal/model"
	"github.com/venuehub/orderd/internal/validation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrVenueNotFound возвращается, если заведение не найдено.
var (
	ErrVenueNotFound = errors.New("venue not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOrderNumber возвращается при конфликте номера заказа на вставке.
	// Для вызывающей стороны это ретраибельное условие: номер выделяется заново.
	ErrDuplicateOrderNumber = errors.New("duplicate order number")
	// ErrAlreadyPaid возвращается при повторной попытке подтвердить оплату заказа.
	ErrAlreadyPaid = errors.New("order already paid")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Денежные значения хранятся в филсах (минорных единицах), как целые числа.
func toFils(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromFils(f int64) decimal.Decimal {
	return decimal.New(f, -2)
}

// NextSequence атомарно выделяет очередной номер в суточной последовательности.
// Операция выполняется одним upsert-инкрементом: счётчик создаётся на первом
// заказе дня и далее только увеличивается. Чтение с последующей записью здесь
// недопустимо — такой порядок гонится под конкурентным оформлением заказов
// и выдаёт дубликаты.
func (r *PostgresRepository) NextSequence(ctx context.Context, dateKey string) (int64, error) {
	var seq int64
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO daily_sequences (date_key, seq) VALUES ($1, 1)
			 ON CONFLICT (date_key) DO UPDATE SET seq = daily_sequences.seq + 1
			 RETURNING seq`,
			dateKey,
		).Scan(&seq)
	})
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return seq, nil
}

// GetVenueBySlug возвращает конфигурацию заведения по его слагу.
func (r *PostgresRepository) GetVenueBySlug(ctx context.Context, slug string) (*model.Venue, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, slug, name_en, name_ar, currency, payment_methods, delivery_enabled,
		        vat_percent, delivery_fee, min_order, member_discount_percent,
		        is_open, timezone, operating_hours
		 FROM venues WHERE slug = $1`,
		slug,
	)

	var (
		v              model.Venue
		methods        []string
		vatPercent     float64
		deliveryFee    int64
		minOrder       int64
		discount       float64
		operatingHours []byte
	)
	err := row.Scan(&v.ID, &v.Slug, &v.Name.EN, &v.Name.AR, &v.Currency, &methods,
		&v.DeliveryEnabled, &vatPercent, &deliveryFee, &minOrder, &discount,
		&v.IsOpen, &v.Timezone, &operatingHours)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVenueNotFound
		}
		return nil, fmt.Errorf("get venue: %w", err)
	}

	for _, m := range methods {
		v.PaymentMethods = append(v.PaymentMethods, model.PaymentMethod(m))
	}
	v.VATPercent = decimal.NewFromFloat(vatPercent)
	v.DeliveryFee = fromFils(deliveryFee)
	v.MinOrder = fromFils(minOrder)
	v.MemberDiscountPercent = decimal.NewFromFloat(discount)

	if len(operatingHours) > 0 {
		if err := json.Unmarshal(operatingHours, &v.OperatingHours); err != nil {
			return nil, fmt.Errorf("decode operating hours: %w", err)
		}
	}

	return &v, nil
}

// FindItemsByKeys возвращает позиции каталога заведения по списку ключей.
func (r *PostgresRepository) FindItemsByKeys(ctx context.Context, venueID int64, keys []string) ([]model.CatalogItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT key, name_en, name_ar, price, available
		 FROM items
		 WHERE venue_id = $1 AND key = ANY($2)`,
		venueID, keys,
	)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	var items []model.CatalogItem
	for rows.Next() {
		var (
			it    model.CatalogItem
			price int64
		)
		if err := rows.Scan(&it.Key, &it.Name.EN, &it.Name.AR, &price, &it.Available); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Price = fromFils(price)
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// FindAddonGroupsByKeys возвращает группы добавок заведения вместе с опциями.
func (r *PostgresRepository) FindAddonGroupsByKeys(ctx context.Context, venueID int64, keys []string) ([]model.AddonGroup, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT g.key, g.name_en, g.name_ar, o.key, o.name_en, o.name_ar, o.price
		 FROM addon_groups g
		 JOIN addon_options o ON o.group_id = g.id
		 WHERE g.venue_id = $1 AND g.key = ANY($2)
		 ORDER BY g.key, o.id`,
		venueID, keys,
	)
	if err != nil {
		return nil, fmt.Errorf("select addon groups: %w", err)
	}
	defer rows.Close()

	var groups []model.AddonGroup
	index := make(map[string]int)
	for rows.Next() {
		var (
			groupKey string
			groupEN  string
			groupAR  string
			opt      model.AddonOption
			price    int64
		)
		if err := rows.Scan(&groupKey, &groupEN, &groupAR, &opt.Key, &opt.Name.EN, &opt.Name.AR, &price); err != nil {
			return nil, fmt.Errorf("scan addon option: %w", err)
		}
		opt.Price = fromFils(price)

		i, ok := index[groupKey]
		if !ok {
			groups = append(groups, model.AddonGroup{
				Key:  groupKey,
				Name: model.LocalizedName{EN: groupEN, AR: groupAR},
			})
			i = len(groups) - 1
			index[groupKey] = i
		}
		groups[i].Options = append(groups[i].Options, opt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return groups, nil
}

// CreateOrder сохраняет новый заказ вместе с первой записью журнала статусов
// в одной транзакции: заказ либо записан целиком, либо не записан вовсе.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO orders (
			id, venue_id, order_number, channel, customer_name, customer_phone,
			fulfillment_type, address, notes, lat, lng,
			payment_method, payment_status,
			items, subtotal, discount, vat, delivery_fee, total,
			is_member, current_status, created_at
		 ) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13,
			$14, $15, $16, $17, $18, $19,
			$20, $21, $22
		 )`,
		o.ID, o.VenueID, o.Number, string(o.Channel), o.Customer.Name, o.Customer.Phone,
		string(o.Fulfillment.Type), o.Fulfillment.Address, o.Fulfillment.Notes, o.Fulfillment.Lat, o.Fulfillment.Lng,
		string(o.Payment.Method), string(o.Payment.Status),
		itemsJSON, toFils(o.Totals.Subtotal), toFils(o.Totals.Discount), toFils(o.Totals.VAT),
		toFils(o.Totals.DeliveryFee), toFils(o.Totals.Total),
		o.IsMember, string(o.CurrentStatus), o.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation &&
			strings.Contains(pgErr.ConstraintName, "order_number") {
			return fmt.Errorf("%w: %s", ErrDuplicateOrderNumber, o.Number)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for _, entry := range o.Timeline {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_status_timeline (order_id, status, at, actor) VALUES ($1, $2, $3, $4)`,
			o.ID, string(entry.Status), entry.At, entry.Actor,
		)
		if err != nil {
			return fmt.Errorf("insert timeline entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o           model.Order
		itemsJSON   []byte
		subtotal    int64
		discount    int64
		vat         int64
		deliveryFee int64
		total       int64
	)
	err := row.Scan(
		&o.ID, &o.VenueID, &o.Number, &o.Channel, &o.Customer.Name, &o.Customer.Phone,
		&o.Fulfillment.Type, &o.Fulfillment.Address, &o.Fulfillment.Notes, &o.Fulfillment.Lat, &o.Fulfillment.Lng,
		&o.Payment.Method, &o.Payment.Status, &o.Payment.TransactionID, &o.Payment.PaidAt,
		&o.Payment.CardLast4, &o.Payment.CardBrand,
		&itemsJSON, &subtotal, &discount, &vat, &deliveryFee, &total,
		&o.IsMember, &o.CurrentStatus, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}

	o.Totals = model.Totals{
		Subtotal:    fromFils(subtotal),
		Discount:    fromFils(discount),
		VAT:         fromFils(vat),
		DeliveryFee: fromFils(deliveryFee),
		Total:       fromFils(total),
	}

	return &o, nil
}

const orderColumns = `id, venue_id, order_number, channel, customer_name, customer_phone,
	fulfillment_type, address, notes, lat, lng,
	payment_method, payment_status, transaction_id, paid_at, card_last4, card_brand,
	items, subtotal, discount, vat, delivery_fee, total,
	is_member, current_status, created_at`

// GetOrderByID возвращает заказ вместе с журналом статусов.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	timeline, err := r.getTimeline(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Timeline = timeline

	return o, nil
}

func (r *PostgresRepository) getTimeline(ctx context.Context, orderID uuid.UUID) ([]model.TimelineEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, at, actor FROM order_status_timeline WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select timeline: %w", err)
	}
	defer rows.Close()

	var timeline []model.TimelineEntry
	for rows.Next() {
		var e model.TimelineEntry
		if err := rows.Scan(&e.Status, &e.At, &e.Actor); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		timeline = append(timeline, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return timeline, nil
}

// ListActiveOrders возвращает незавершённые заказы, новые первыми.
func (r *PostgresRepository) ListActiveOrders(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE current_status NOT IN ($1, $2)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		string(model.OrderStatusCompleted), string(model.OrderStatusCancelled), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select active orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// AppendStatus добавляет запись в журнал статусов и обновляет текущий статус
// заказа. Строка заказа блокируется на время транзакции: два одновременных
// перехода на одном заказе сериализуются, и второй проверяется уже против
// нового статуса. Прежние записи журнала не изменяются.
func (r *PostgresRepository) AppendStatus(ctx context.Context, id uuid.UUID, status model.OrderStatus, actor *int64, at time.Time) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		current     model.OrderStatus
		fulfillment model.FulfillmentType
	)
	err = tx.QueryRow(ctx,
		`SELECT current_status, fulfillment_type FROM orders WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&current, &fulfillment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	if err := validation.CheckTransition(current, status, fulfillment); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO order_status_timeline (order_id, status, at, actor) VALUES ($1, $2, $3, $4)`,
		id, string(status), at, actor,
	)
	if err != nil {
		return nil, fmt.Errorf("insert timeline entry: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET current_status = $2 WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("update current status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return r.GetOrderByID(ctx, id)
}

// MarkPaid атомарно подтверждает оплату: статус оплаты становится PAID,
// заказ переходит из PENDING в CONFIRMED, запись добавляется в журнал.
// Оба поля меняются в одной транзакции — заказ не может оказаться оплаченным
// без подтверждения или подтверждённым без оплаты. Повторный вызов для уже
// оплаченного заказа возвращает ErrAlreadyPaid и ничего не меняет.
func (r *PostgresRepository) MarkPaid(ctx context.Context, id uuid.UUID, transactionID string, paidAt time.Time, cardLast4, cardBrand string) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		current       model.OrderStatus
		fulfillment   model.FulfillmentType
		paymentStatus model.PaymentStatus
	)
	err = tx.QueryRow(ctx,
		`SELECT current_status, fulfillment_type, payment_status FROM orders WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&current, &fulfillment, &paymentStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	if paymentStatus == model.PaymentStatusPaid {
		return nil, ErrAlreadyPaid
	}

	if err := validation.CheckTransition(current, model.OrderStatusConfirmed, fulfillment); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders
		 SET payment_status = $2, transaction_id = $3, paid_at = $4,
		     card_last4 = $5, card_brand = $6, current_status = $7
		 WHERE id = $1`,
		id, string(model.PaymentStatusPaid), transactionID, paidAt,
		cardLast4, cardBrand, string(model.OrderStatusConfirmed),
	)
	if err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO order_status_timeline (order_id, status, at, actor) VALUES ($1, $2, $3, NULL)`,
		id, string(model.OrderStatusConfirmed), paidAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert timeline entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return r.GetOrderByID(ctx, id)
}

// MarkPaymentFailed фиксирует неуспешную попытку оплаты. Статус заказа не
// меняется: заказ остаётся PENDING и оплату можно повторить. Уже оплаченный
// заказ не затрагивается.
func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, id uuid.UUID, transactionID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET payment_status = $2, transaction_id = $3
		 WHERE id = $1 AND payment_status <> $4`,
		id, string(model.PaymentStatusFailed), transactionID, string(model.PaymentStatusPaid),
	)
	if err != nil {
		return fmt.Errorf("mark payment failed: %w", err)
	}
	return nil
}
