// Package catalog резолвит ссылки заказа на позиции каталога и фиксирует
// их цены и названия в неизменяемые снимки.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/venuehub/orderd/internal/model"
)

// ErrItemNotFound возвращается, если ключ позиции не найден в каталоге заведения.
var (
	ErrItemNotFound = errors.New("item not found")
	// ErrAddonNotFound возвращается, если группа или опция добавки не найдена.
	ErrAddonNotFound = errors.New("addon not found")
	// ErrItemUnavailable возвращается, если позиция временно недоступна для заказа.
	ErrItemUnavailable = errors.New("item unavailable")
)

// Storage описывает контракт чтения каталога заведения.
type Storage interface {
	FindItemsByKeys(ctx context.Context, venueID int64, keys []string) ([]model.CatalogItem, error)
	FindAddonGroupsByKeys(ctx context.Context, venueID int64, keys []string) ([]model.AddonGroup, error)
}

// AddonRequest ссылается на опцию добавки каталога.
type AddonRequest struct {
	GroupKey  string
	OptionKey string
}

// ItemRequest ссылается на позицию каталога с количеством и выбранными добавками.
type ItemRequest struct {
	ItemKey        string
	Quantity       int
	SelectedAddons []AddonRequest
}

// Resolver фиксирует запрошенные позиции в снимки по текущему состоянию каталога.
type Resolver struct {
	storage Storage
}

// NewResolver создаёт резолвер поверх указанного хранилища каталога.
func NewResolver(storage Storage) *Resolver {
	return &Resolver{storage: storage}
}

// Resolve превращает запрошенные позиции в снимки с зафиксированными ценами
// и названиями. Резолвинг выполняется в том же запросе, что и создание
// заказа: снимок гарантированно согласован с каталогом на момент покупки.
// Любая неизвестная ссылка приводит к ошибке с указанием ключа.
func (r *Resolver) Resolve(ctx context.Context, venueID int64, requests []ItemRequest) ([]model.LineItem, error) {
	itemKeys := make([]string, 0, len(requests))
	groupKeys := make([]string, 0)
	for _, req := range requests {
		itemKeys = append(itemKeys, req.ItemKey)
		for _, addon := range req.SelectedAddons {
			groupKeys = append(groupKeys, addon.GroupKey)
		}
	}

	items, err := r.storage.FindItemsByKeys(ctx, venueID, itemKeys)
	if err != nil {
		return nil, fmt.Errorf("find items: %w", err)
	}

	itemsByKey := make(map[string]model.CatalogItem, len(items))
	for _, it := range items {
		itemsByKey[it.Key] = it
	}

	var groupsByKey map[string]model.AddonGroup
	if len(groupKeys) > 0 {
		groups, err := r.storage.FindAddonGroupsByKeys(ctx, venueID, groupKeys)
		if err != nil {
			return nil, fmt.Errorf("find addon groups: %w", err)
		}
		groupsByKey = make(map[string]model.AddonGroup, len(groups))
		for _, g := range groups {
			groupsByKey[g.Key] = g
		}
	}

	result := make([]model.LineItem, 0, len(requests))
	for _, req := range requests {
		dbItem, ok := itemsByKey[req.ItemKey]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, req.ItemKey)
		}
		if !dbItem.Available {
			return nil, fmt.Errorf("%w: %s", ErrItemUnavailable, req.ItemKey)
		}

		line := model.LineItem{
			ItemKey:  dbItem.Key,
			Name:     dbItem.Name,
			Price:    dbItem.Price,
			Quantity: req.Quantity,
		}

		for _, addon := range req.SelectedAddons {
			group, ok := groupsByKey[addon.GroupKey]
			if !ok {
				return nil, fmt.Errorf("%w: group %s", ErrAddonNotFound, addon.GroupKey)
			}
			option, ok := group.Option(addon.OptionKey)
			if !ok {
				return nil, fmt.Errorf("%w: option %s", ErrAddonNotFound, addon.OptionKey)
			}

			line.SelectedAddons = append(line.SelectedAddons, model.AddonSnapshot{
				GroupKey:  addon.GroupKey,
				OptionKey: addon.OptionKey,
				Name:      option.Name,
				Price:     option.Price,
			})
		}

		result = append(result, line)
	}

	return result, nil
}
