package convert

import (
	"context"
	"fmt"
	"strings"

	"github.com/cybertec-postgresql/books_bridge/internal/doctype"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
)

func salesInvoiceSpec() *Spec {
	return &Spec{
		Local:  doctype.SalesInvoice,
		Remote: doctype.Remote(doctype.SalesInvoice),
		Fields: NewFieldMap(Fields(
			"customer", "party",
			"posting_date", "date",
			"is_return", "isReturn",
			"return_against", "returnAgainst",
			"selling_price_list", "priceList",
			"net_total", "netTotal",
			"base_grand_total", "baseGrandTotal",
			"grand_total", "grandTotal",
			"currency", "currency",
			"conversion_rate", "exchangeRate",
			"outstanding_amount", "outstandingAmount",
			"terms", "terms",
		), ChildTableMap{
			LocalField:    "items",
			RemoteField:   "items",
			LocalDoctype:  doctype.SalesInvoiceItem,
			RemoteDoctype: "SalesInvoiceItem",
			Fields: NewFieldMap(Fields(
				"item_code", "item",
				"description", "description",
				"qty", "quantity",
				"stock_uom", "unit",
				"batch_no", "batch",
				"conversion_factor", "unitConversionFactor",
				"discount_percentage", "itemDiscountPercent",
				"discount_amount", "itemDiscountAmount",
				"price_list_rate", "rate",
				"amount", "amount",
			)),
		}),
		FillLocal: func(ctx context.Context, c *Conversion) error {
			c.Record["disable_rounded_total"] = 1
			c.Record["set_posting_time"] = 1
			if v, ok := c.Record["posting_date"]; ok {
				c.Record["posting_date"] = normaliseDate(v)
			}
			for _, row := range c.Record.Rows("items") {
				if row.Float("discount_percentage") > 0 {
					discount, rate := applyDiscount(row["price_list_rate"], row["discount_percentage"])
					row["discount_amount"] = discount
					row["rate"] = rate
				}
			}
			if against := c.Source.String("returnAgainst"); against != "" {
				local, err := c.mustResolve(ctx, doctype.SalesInvoice, against)
				if err != nil {
					return err
				}
				c.Record["return_against"] = local
			}
			return nil
		},
		FillRemote: func(ctx context.Context, c *Conversion) error {
			submissionFlags(c.Source, c.Record)
			if against := c.Source.String("return_against"); against != "" {
				remote, err := c.translate(ctx, doctype.SalesInvoice, against)
				if err != nil {
					return err
				}
				c.Record["returnAgainst"] = remote
			}
			return nil
		},
	}
}

func paymentEntrySpec() *Spec {
	return &Spec{
		Local:  doctype.PaymentEntry,
		Remote: doctype.Remote(doctype.PaymentEntry),
		Fields: NewFieldMap(Fields(
			"posting_date", "date",
			"payment_type", "paymentType",
			"mode_of_payment", "paymentMethod",
			"party", "party",
			"total_allocated_amount", "amount",
			"paid_to", "paymentAccount",
		), ChildTableMap{
			LocalField:    "references",
			RemoteField:   "for",
			LocalDoctype:  doctype.PaymentEntryReference,
			RemoteDoctype: doctype.Remote(doctype.PaymentEntryReference),
			Fields: NewFieldMap(Fields(
				"reference_name", "referenceName",
				"reference_doctype", "referenceType",
				"total_amount", "amount",
			)),
		}),
		FillLocal: func(ctx context.Context, c *Conversion) error {
			if c.Source.String("paymentMethod") == "Transfer" {
				c.Record["mode_of_payment"] = "Bank Draft"
			}

			partyType := doctype.Supplier
			if party := c.Record.String("party"); party != "" && c.Store() != nil {
				isCustomer, err := c.Store().Exists(ctx, doctype.Customer, party)
				if err != nil {
					return fmt.Errorf("failed to look up party %q: %w", party, err)
				}
				if isCustomer {
					partyType = doctype.Customer
				}
			}
			c.Record["party_type"] = partyType

			allocated := amount(money(c.Record["total_allocated_amount"]))
			c.Record["received_amount"] = allocated
			c.Record["paid_amount"] = allocated

			if v, ok := c.Record["posting_date"]; ok {
				c.Record["posting_date"] = normaliseDate(v)
			}

			for _, row := range c.Record.Rows("references") {
				refType := row.String("reference_doctype")
				if local, ok := doctype.Resolve(refType, doctype.ToLocal, nil); ok {
					refType = local
				}
				row["reference_doctype"] = refType

				name, err := c.mustResolve(ctx, refType, row.String("reference_name"))
				if err != nil {
					return err
				}
				row["reference_name"] = name

				total := amount(money(row["total_amount"]))
				row["total_amount"] = total
				row["allocated_amount"] = total
			}
			return nil
		},
		FillRemote: func(ctx context.Context, c *Conversion) error {
			submissionFlags(c.Source, c.Record)
			for _, row := range c.Record.Rows("for") {
				refType := row.String("referenceType")
				if name := row.String("referenceName"); name != "" {
					remote, err := c.translate(ctx, refType, name)
					if err != nil {
						return err
					}
					row["referenceName"] = remote
				}
				if remote, ok := doctype.Resolve(refType, doctype.ToRemote, nil); ok {
					row["referenceType"] = remote
				}
			}
			return nil
		},
	}
}

func stockEntrySpec() *Spec {
	return &Spec{
		Local:  doctype.StockEntry,
		Remote: doctype.Remote(doctype.StockEntry),
		Fields: NewFieldMap(Fields(
			"name", "name",
			"stock_entry_type", "movementType",
			"posting_date", "date",
			"total_amount", "amount",
		), ChildTableMap{
			LocalField:    "items",
			RemoteField:   "items",
			LocalDoctype:  "Stock Entry Detail",
			RemoteDoctype: "StockMovementItem",
			Fields: NewFieldMap(Fields(
				"s_warehouse", "fromLocation",
				"t_warehouse", "toLocation",
				"item_code", "item",
				"qty", "quantity",
				"transfer_qty", "transferQuantity",
				"uom", "transferUnit",
				"stock_uom", "unit",
				"conversion_factor", "unitConversionFactor",
				"basic_rate", "rate",
				"amount", "amount",
				"serial_no", "serialNumber",
			)),
		}),
		FillRemote: func(ctx context.Context, c *Conversion) error {
			submissionFlags(c.Source, c.Record)
			if t, ok := c.Record["movementType"]; ok {
				c.Record["movementType"] = stripSpace(document.ToString(t))
			}

			src := c.Source.Rows("items")
			for i, row := range c.Record.Rows("items") {
				if i >= len(src) {
					break
				}
				bundle := src[i].String("serial_and_batch_bundle")
				if src[i].Bool("use_serial_batch_fields") || bundle == "" {
					continue
				}
				serials, err := c.bundleSerials(ctx, bundle)
				if err != nil {
					return err
				}
				row["serialNumber"] = serials
			}
			return nil
		},
		FillLocal: func(_ context.Context, c *Conversion) error {
			entryType := c.Record.String("stock_entry_type")
			if i := strings.Index(entryType, "Material"); i >= 0 {
				rest := strings.TrimSpace(entryType[i+len("Material"):])
				entryType = "Material " + rest
				c.Record["stock_entry_type"] = entryType
				c.Record["purpose"] = entryType
			}
			if v, ok := c.Record["posting_date"]; ok {
				c.Record["posting_date"] = normaliseDate(v)
			}
			return nil
		},
	}
}

// bundleSerials joins the serial numbers of a serial and batch bundle, one per line
func (c *Conversion) bundleSerials(ctx context.Context, bundle string) (string, error) {
	if c.Store() == nil {
		return "", nil
	}
	rec, err := c.Store().Get(ctx, doctype.SerialAndBatchBundle, bundle)
	if err != nil {
		return "", fmt.Errorf("failed to load serial and batch bundle %q: %w", bundle, err)
	}
	var serials []string
	for _, entry := range rec.Rows("entries") {
		if sn := entry.String("serial_no"); sn != "" {
			serials = append(serials, sn)
		}
	}
	return strings.Join(serials, "\n"), nil
}

func deliveryNoteSpec() *Spec {
	return &Spec{
		Local:  doctype.DeliveryNote,
		Remote: doctype.Remote(doctype.DeliveryNote),
		Fields: NewFieldMap(Fields(
			"customer", "party",
			"posting_date", "date",
			"grand_total", "grandTotal",
		), ChildTableMap{
			LocalField:    "items",
			RemoteField:   "items",
			LocalDoctype:  "Delivery Note Item",
			RemoteDoctype: "ShipmentItem",
			Fields: NewFieldMap(Fields(
				"item_code", "item",
				"qty", "quantity",
				"uom", "unit",
				"rate", "rate",
				"warehouse", "location",
			)),
		}),
		FillLocal: func(ctx context.Context, c *Conversion) error {
			if v, ok := c.Record["posting_date"]; ok {
				c.Record["posting_date"] = normaliseDate(v)
			}
			backRef := c.Source.String("backReference")
			if backRef == "" {
				return nil
			}
			invoice, err := c.mustResolve(ctx, doctype.SalesInvoice, backRef)
			if err != nil {
				return err
			}
			for _, row := range c.Record.Rows("items") {
				row["against_sales_invoice"] = invoice
				if c.Store() == nil {
					continue
				}
				values, err := c.Store().GetValue(ctx, doctype.SalesInvoiceItem, map[string]any{
					"parent":    invoice,
					"item_code": row["item_code"],
				}, "name", "amount")
				if err != nil {
					return fmt.Errorf("failed to look up invoice line of %s: %w", invoice, err)
				}
				if len(values) < 2 {
					continue
				}
				if detail := document.ToString(values[0]); detail != "" {
					row["si_detail"] = detail
				}
				if billed := document.ToFloat(values[1]); billed != 0 {
					row["billed_amt"] = billed
				}
			}
			return nil
		},
		BeforeSave: func(ctx context.Context, c *Conversion) error {
			backRef := c.Source.String("backReference")
			if backRef == "" {
				return nil
			}
			invoice, err := c.mustResolve(ctx, doctype.SalesInvoice, backRef)
			if err != nil {
				return err
			}
			if c.Store() == nil {
				return nil
			}
			rec, err := c.Store().Get(ctx, doctype.SalesInvoice, invoice)
			if err != nil {
				return fmt.Errorf("failed to load %s %q: %w", doctype.SalesInvoice, invoice, err)
			}
			if rec.DocStatus() != document.Submitted {
				return fmt.Errorf("%w: %s %q is %s", ErrReferenceNotSubmitted, doctype.SalesInvoice, invoice, rec.DocStatus())
			}
			return nil
		},
		FillRemote: func(ctx context.Context, c *Conversion) error {
			submissionFlags(c.Source, c.Record)
			rows := c.Source.Rows("items")
			if len(rows) == 0 {
				return nil
			}
			if invoice := rows[0].String("against_sales_invoice"); invoice != "" {
				remote, ok, err := c.RemoteFor(ctx, doctype.SalesInvoice, invoice)
				if err != nil {
					return err
				}
				if ok {
					c.Record["backReference"] = remote
				}
			}
			return nil
		},
	}
}
