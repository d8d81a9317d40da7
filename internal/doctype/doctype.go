// Package doctype maps document type names between the local and the Books schema.
package doctype

import "github.com/cybertec-postgresql/books_bridge/internal/document"

// Direction selects the schema a conversion targets
type Direction int

const (
	ToRemote Direction = iota
	ToLocal
)

func (d Direction) String() string {
	if d == ToLocal {
		return "local"
	}
	return "remote"
}

// Local document type names
const (
	Item                  = "Item"
	Customer              = "Customer"
	Supplier              = "Supplier"
	SalesInvoice          = "Sales Invoice"
	SalesInvoiceItem      = "Sales Invoice Item"
	PaymentEntry          = "Payment Entry"
	PaymentEntryReference = "Payment Entry Reference"
	StockEntry            = "Stock Entry"
	PriceList             = "Price List"
	ItemPrice             = "Item Price"
	SerialNo              = "Serial No"
	Batch                 = "Batch"
	UOM                   = "UOM"
	UOMConversionDetail   = "UOM Conversion Detail"
	DeliveryNote          = "Delivery Note"
	Address               = "Address"
	ModeOfPayment         = "Mode of Payment"
	SerialAndBatchBundle  = "Serial and Batch Bundle"
)

// Party is the polymorphic Books schema standing for Customer and Supplier
const Party = "Party"

var localToRemote = map[string]string{
	Item:                  "Item",
	Customer:              "Customer",
	Supplier:              "Supplier",
	SalesInvoice:          "SalesInvoice",
	PaymentEntry:          "Payment",
	PaymentEntryReference: "PaymentFor",
	StockEntry:            "StockMovement",
	PriceList:             "PriceList",
	ItemPrice:             "PriceListItem",
	SerialNo:              "SerialNumber",
	Batch:                 "Batch",
	UOM:                   "UOM",
	UOMConversionDetail:   "UOMConversionItem",
	DeliveryNote:          "Shipment",
	Address:               "Address",
	ModeOfPayment:         "PaymentMethod",
}

var remoteToLocal = func() map[string]string {
	m := make(map[string]string, len(localToRemote))
	for local, remote := range localToRemote {
		m[remote] = local
	}
	return m
}()

var submittable = map[string]bool{
	SalesInvoice: true,
	PaymentEntry: true,
	StockEntry:   true,
	DeliveryNote: true,
}

// Resolve maps a document type name toward dir. When name is empty the
// record's doctype is used. Resolving a Books "Party" toward the local schema
// yields the record's role. The boolean is false when no mapping exists.
func Resolve(name string, dir Direction, rec document.Record) (string, bool) {
	if name == "" {
		if rec == nil {
			return "", false
		}
		name = rec.Doctype()
		if name == "" {
			return "", false
		}
	}

	if dir == ToLocal {
		if name == Party {
			if rec == nil {
				return "", false
			}
			role := rec.String("role")
			return role, role != ""
		}
		local, ok := remoteToLocal[name]
		return local, ok
	}

	remote, ok := localToRemote[name]
	return remote, ok
}

// Local returns the local name of a Books document type
func Local(remote string) string {
	name, _ := Resolve(remote, ToLocal, nil)
	return name
}

// Remote returns the Books name of a local document type
func Remote(local string) string {
	name, _ := Resolve(local, ToRemote, nil)
	return name
}

// IsSubmittable reports whether the local document type has a submit/cancel lifecycle
func IsSubmittable(local string) bool {
	return submittable[local]
}

// Known lists every mapped local document type
func Known() []string {
	names := make([]string, 0, len(localToRemote))
	for local := range localToRemote {
		names = append(names, local)
	}
	return names
}
