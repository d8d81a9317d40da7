// Package settings holds the typed sync configuration shared with Books instances.
package settings

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cybertec-postgresql/books_bridge/internal/doctype"
)

// SyncType tells which way a document type flows
type SyncType string

const (
	TwoWay       SyncType = "Two Way"
	LocalToBooks SyncType = "ERPN to Books"
	BooksToLocal SyncType = "Books to ERPN"
)

// Toggle is the per document type sync switch
type Toggle struct {
	Enabled  bool     `json:"enabled" mapstructure:"enabled"`
	SyncType SyncType `json:"sync_type" mapstructure:"sync_type"`
}

// TaxTemplateMapping pairs a local item tax template with its Books counterpart
type TaxTemplateMapping struct {
	Local  string `json:"erpn_tax_template" mapstructure:"erpn_tax_template"`
	Remote string `json:"fbooks_tax_template" mapstructure:"fbooks_tax_template"`
}

// Settings is an immutable snapshot of the sync configuration
type Settings struct {
	EnableSync       bool                 `json:"enable_sync" mapstructure:"enable_sync"`
	AppVersion       string               `json:"app_version" mapstructure:"app_version"`
	Doctypes         map[string]Toggle    `json:"doctypes" mapstructure:"doctypes"`
	ItemTaxTemplates []TaxTemplateMapping `json:"item_tax_template_map" mapstructure:"item_tax_template_map"`
}

// syncParams names the flat toggle fields Books expects, keyed by local document type
var syncParams = map[string][2]string{
	doctype.Item:         {"sync_item", "item_sync_type"},
	doctype.Customer:     {"sync_customer", "customer_sync_type"},
	doctype.Supplier:     {"sync_supplier", "supplier_sync_type"},
	doctype.SalesInvoice: {"sync_sales_invoice", "sales_invoice_sync_type"},
	doctype.PaymentEntry: {"sync_payment_entry", "payment_entry_sync_type"},
	doctype.StockEntry:   {"sync_stock_entry", "stock_sync_type"},
	doctype.PriceList:    {"sync_price_list", "price_list_sync_type"},
	doctype.SerialNo:     {"sync_serial_number", "serial_number_sync_type"},
	doctype.Batch:        {"sync_batches", "batch_sync_type"},
	doctype.DeliveryNote: {"sync_delivery_note", "delivery_note_sync_type"},
}

// toggle returns the switch for a local document type, folding aliases
func (s *Settings) toggle(local string) Toggle {
	if local == doctype.ItemPrice {
		local = doctype.PriceList
	}
	return s.Doctypes[local]
}

func (t Toggle) outbound() bool {
	return t.Enabled && t.SyncType != BooksToLocal
}

// ShouldSync reports whether local changes of the document type are queued for Books.
// Item Price follows the Price List switch. Mode of Payment follows either
// the Sales Invoice or the Payment Entry switch.
func (s *Settings) ShouldSync(local string) bool {
	if s == nil || !s.EnableSync {
		return false
	}
	if local == doctype.ModeOfPayment {
		return s.toggle(doctype.SalesInvoice).outbound() || s.toggle(doctype.PaymentEntry).outbound()
	}
	return s.toggle(local).outbound()
}

// TaxTemplate cross-references an item tax template toward dir
func (s *Settings) TaxTemplate(name string, dir doctype.Direction) (string, bool) {
	if s == nil || name == "" {
		return "", false
	}
	for _, row := range s.ItemTaxTemplates {
		from, to := row.Local, row.Remote
		if dir == doctype.ToLocal {
			from, to = to, from
		}
		if from == name {
			return to, true
		}
	}
	return "", false
}

// SyncParams flattens the toggles into the field layout Books reads.
// Every known document type is present, disabled ones default to two way.
func (s *Settings) SyncParams() map[string]any {
	params := map[string]any{
		"enable_sync":           s.EnableSync,
		"item_tax_template_map": s.ItemTaxTemplates,
	}
	for local, fields := range syncParams {
		params[fields[0]] = 0
		params[fields[1]] = string(TwoWay)
		if t, ok := s.Doctypes[local]; ok && t.Enabled {
			params[fields[0]] = 1
			if t.SyncType != "" {
				params[fields[1]] = string(t.SyncType)
			}
		}
	}
	return params
}

// Validate rejects unknown document types and sync types
func (s *Settings) Validate() error {
	for local, t := range s.Doctypes {
		if _, ok := syncParams[local]; !ok {
			return fmt.Errorf("unknown document type %q in settings", local)
		}
		switch t.SyncType {
		case "", TwoWay, LocalToBooks, BooksToLocal:
		default:
			return fmt.Errorf("invalid sync type %q for %s", t.SyncType, local)
		}
	}
	return nil
}

// Marshal encodes the snapshot for the etcd settings key
func (s *Settings) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a snapshot stored under the etcd settings key
func Unmarshal(data []byte) (*Settings, error) {
	s := &Settings{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Source yields the current settings snapshot
type Source interface {
	Current() *Settings
}

// Holder is a Source whose snapshot can be swapped while readers are active
type Holder struct {
	current atomic.Pointer[Settings]
}

// NewHolder returns a holder seeded with s
func NewHolder(s *Settings) *Holder {
	h := &Holder{}
	h.Store(s)
	return h
}

// Current returns the active snapshot, never nil
func (h *Holder) Current() *Settings {
	if s := h.current.Load(); s != nil {
		return s
	}
	return &Settings{}
}

// Store replaces the active snapshot
func (h *Holder) Store(s *Settings) {
	if s == nil {
		s = &Settings{}
	}
	h.current.Store(s)
}

