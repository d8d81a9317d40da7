package convert

import (
	"context"
	"errors"
	"strings"

	"github.com/cybertec-postgresql/books_bridge/internal/doctype"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
)

// DefaultRegistry returns the conversions for every synchronised document type
func DefaultRegistry() *Registry {
	return NewRegistry(
		itemSpec(),
		partySpec(doctype.Customer),
		partySpec(doctype.Supplier),
		salesInvoiceSpec(),
		paymentEntrySpec(),
		stockEntrySpec(),
		priceListSpec(),
		itemPriceSpec(),
		serialNoSpec(),
		batchSpec(),
		uomSpec(),
		uomConversionSpec(),
		deliveryNoteSpec(),
		addressSpec(),
		modeOfPaymentSpec(),
	)
}

func uomConversionFields() *FieldMap {
	return NewFieldMap(Fields(
		"uom", "uom",
		"conversion_factor", "conversionFactor",
	))
}

func itemSpec() *Spec {
	return &Spec{
		Local:  doctype.Item,
		Remote: doctype.Remote(doctype.Item),
		Fields: NewFieldMap(Fields(
			"image", "image",
			"item_code", "name",
			"stock_uom", "unit",
			"standard_rate", "rate",
			"description", "description",
			"gst_hsn_code", "hsnCode",
			"is_stock_item", "trackItem",
			"has_batch_no", "hasBatch",
			"has_serial_no", "hasSerialNumber",
		), ChildTableMap{
			LocalField:    "uoms",
			RemoteField:   "uomConversions",
			LocalDoctype:  doctype.UOMConversionDetail,
			RemoteDoctype: doctype.Remote(doctype.UOMConversionDetail),
			Fields:        uomConversionFields(),
		}),
		FillRemote: func(_ context.Context, c *Conversion) error {
			if taxes := c.Source.Rows("taxes"); len(taxes) > 0 {
				if tax, ok := c.Settings().TaxTemplate(taxes[0].String("item_tax_template"), doctype.ToRemote); ok {
					c.Record["tax"] = tax
				}
			}
			if barcodes := c.Source.Rows("barcodes"); len(barcodes) > 0 {
				c.Record["barcode"] = barcodes[0].String("barcode")
			}
			return nil
		},
		FillLocal: func(_ context.Context, c *Conversion) error {
			c.Record["name"] = c.Source.Name()
			c.Record["item_group"] = "Products"
			if tax := c.Source.String("tax"); tax != "" {
				if local, ok := c.Settings().TaxTemplate(tax, doctype.ToLocal); ok {
					c.Record["taxes"] = []document.Record{{"item_tax_template": local}}
				}
			}
			if c.Source.Has("hsnCode") {
				c.Record["gst_hsn_code"] = padHSN(c.Source.String("hsnCode"))
			}
			if barcode := c.Source.String("barcode"); barcode != "" {
				c.Record["barcodes"] = []document.Record{{"barcode": barcode}}
			}
			return nil
		},
	}
}

// modeOfPaymentSpec travels under the Sales Invoice and Payment Entry switches
func modeOfPaymentSpec() *Spec {
	return &Spec{
		Local:  doctype.ModeOfPayment,
		Remote: doctype.Remote(doctype.ModeOfPayment),
		Fields: NewFieldMap(Fields(
			"mode_of_payment", "name",
			"type", "type",
		)),
		FillLocal: func(_ context.Context, c *Conversion) error {
			c.Record["name"] = c.Source.Name()
			return nil
		},
	}
}

func priceListSpec() *Spec {
	return &Spec{
		Local:  doctype.PriceList,
		Remote: doctype.Remote(doctype.PriceList),
		Fields: NewFieldMap(Fields(
			"name", "name",
			"enabled", "isEnabled",
			"price_list_name", "name",
			"buying", "isPurchase",
			"selling", "isSelling",
		), ChildTableMap{
			// item prices travel as their own documents
			LocalField:    "",
			RemoteField:   "priceListItem",
			LocalDoctype:  doctype.ItemPrice,
			RemoteDoctype: doctype.Remote(doctype.ItemPrice),
			Fields:        itemPriceFields(),
		}),
	}
}

func itemPriceFields() *FieldMap {
	return NewFieldMap(Fields(
		"name", "name",
		"item_code", "item",
		"uom", "unit",
		"price_list", "parent",
		"price_list_rate", "rate",
	))
}

func itemPriceSpec() *Spec {
	return &Spec{
		Local:  doctype.ItemPrice,
		Remote: doctype.Remote(doctype.ItemPrice),
		Fields: itemPriceFields(),
		FillRemote: func(_ context.Context, c *Conversion) error {
			c.Record["parentSchemaName"] = doctype.Remote(doctype.PriceList)
			c.Record["parentFieldname"] = "priceListItem"
			return nil
		},
	}
}

func serialNoSpec() *Spec {
	return &Spec{
		Local:  doctype.SerialNo,
		Remote: doctype.Remote(doctype.SerialNo),
		Fields: NewFieldMap(Fields(
			"serial_no", "name",
			"item_code", "item",
			"description", "description",
		)),
	}
}

func batchSpec() *Spec {
	return &Spec{
		Local:  doctype.Batch,
		Remote: doctype.Remote(doctype.Batch),
		Fields: NewFieldMap(Fields(
			"batch_id", "name",
			"expiry_date", "expiryDate",
			"manufacturing_date", "manufactureDate",
		)),
		FillLocal: func(_ context.Context, c *Conversion) error {
			for _, f := range []string{"expiry_date", "manufacturing_date"} {
				if v, ok := c.Record[f]; ok {
					c.Record[f] = normaliseDate(v)
				}
			}
			return nil
		},
	}
}

func uomSpec() *Spec {
	return &Spec{
		Local:  doctype.UOM,
		Remote: doctype.Remote(doctype.UOM),
		Fields: NewFieldMap(Fields(
			"name", "name",
			"must_be_whole_number", "isWhole",
			"uom_name", "name",
		)),
	}
}

func uomConversionSpec() *Spec {
	return &Spec{
		Local:  doctype.UOMConversionDetail,
		Remote: doctype.Remote(doctype.UOMConversionDetail),
		Fields: uomConversionFields(),
	}
}

func addressSpec() *Spec {
	return &Spec{
		Local:  doctype.Address,
		Remote: doctype.Remote(doctype.Address),
		Fields: NewFieldMap(Fields(
			"name", "name",
			"address_line1", "addressLine1",
			"address_line2", "addressLine2",
			"city", "city",
			"state", "state",
			"country", "country",
			"pincode", "postalCode",
		)),
		FillLocal: func(_ context.Context, c *Conversion) error {
			c.Record["address_title"] = c.Record["name"]
			return nil
		},
	}
}

func partySpec(party string) *Spec {
	addressField := strings.ToLower(party) + "_primary_address"
	nameField := strings.ToLower(party) + "_name"
	return &Spec{
		Local:  party,
		Remote: doctype.Remote(party),
		Fields: NewFieldMap(Fields(
			"name", "name",
			"gstin", "gstin",
			"gst_category", "gstType",
			addressField, "address",
		)),
		FillLocal: func(ctx context.Context, c *Conversion) error {
			c.Record[nameField] = c.Source.Name()
			if address := c.Source.String("address"); address != "" {
				local, err := c.mustResolve(ctx, doctype.Address, address)
				if err != nil {
					return err
				}
				c.Record[addressField] = local
			}
			return nil
		},
		FillRemote: func(ctx context.Context, c *Conversion) error {
			c.Record["role"] = party
			if address := c.Source.String(addressField); address != "" {
				remote, err := c.translate(ctx, doctype.Address, address)
				if err != nil {
					return err
				}
				c.Record["address"] = remote
			}
			return nil
		},
	}
}

// translate returns the Books name of a linked local document, or the local name when unlinked
func (c *Conversion) translate(ctx context.Context, local, localName string) (string, error) {
	remote, ok, err := c.RemoteFor(ctx, local, localName)
	if err != nil && !errors.Is(err, ErrNoIdentityStore) {
		return "", err
	}
	if !ok {
		return localName, nil
	}
	return remote, nil
}
