// internal/domain/session/flows.go
package session

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/your-org/pharmacy-backend/internal/pkg/apperror"
)

const (
	dateLayout = "2006-01-02"
	skipWord   = "skip"
)

var dosageForms = strings.Fields("tablet capsule syrup injection cream ointment drops inhaler powder gel patch spray other")

// Step is one prompt of a flow. Apply parses the raw input into the payload.
type Step struct {
	Name         string
	Hint         string
	RequireToken bool
	Apply        func(p Payload, input string, sess *Session) error
}

type flowDef struct {
	Type       FlowType
	Steps      []Step
	newPayload func() Payload
}

func (d flowDef) prompt(sess *Session) *Prompt {
	step := d.Steps[sess.Step]
	p := &Prompt{
		Flow:      d.Type,
		Step:      step.Name,
		Index:     sess.Step + 1,
		Total:     len(d.Steps),
		Hint:      step.Hint,
		ExpiresAt: sess.ExpiresAt,
	}
	if step.RequireToken {
		p.Token = sess.Token
	}
	return p
}

func (d flowDef) terminal(sess *Session) bool {
	return sess.Step == len(d.Steps)-1
}

// step binds a typed apply function to the generic Step shape
func step[P Payload](name, hint string, apply func(p P, input string, sess *Session) error) Step {
	return Step{
		Name: name,
		Hint: hint,
		Apply: func(p Payload, input string, sess *Session) error {
			typed, ok := p.(P)
			if !ok {
				return fmt.Errorf("step %s: unexpected payload %T", name, p)
			}
			return apply(typed, input, sess)
		},
	}
}

func confirmStep[P Payload](hint string, apply func(p P, input string, sess *Session) error) Step {
	s := step("confirm", hint, apply)
	s.RequireToken = true
	return s
}

// newValidator reports struct errors by json field name
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var fieldValidator = newValidator()

func checkVar(field string, value interface{}, tag, reason string) error {
	if err := fieldValidator.Var(value, tag); err != nil {
		return &apperror.ValidationError{Field: field, Reason: reason}
	}
	return nil
}

func invalid(field, reason string) error {
	return &apperror.ValidationError{Field: field, Reason: reason}
}

func isSkip(input string) bool {
	return strings.EqualFold(input, skipWord)
}

func buildFlows(bulkMaxRows int) map[FlowType]flowDef {
	defs := []flowDef{
		placeOrderFlow(),
		customQuantityFlow(),
		addItemSingleFlow(),
		addItemBulkFlow(bulkMaxRows),
	}
	out := make(map[FlowType]flowDef, len(defs))
	for _, d := range defs {
		out[d.Type] = d
	}
	return out
}

func placeOrderFlow() flowDef {
	return flowDef{
		Type:       FlowPlaceOrder,
		newPayload: func() Payload { return &PlaceOrderPayload{} },
		Steps: []Step{
			step("customer_name", "Enter the full name for the order", func(p *PlaceOrderPayload, in string, _ *Session) error {
				if err := checkVar("customer_name", in, "required,min=2,max=100", "name must be 2 to 100 characters"); err != nil {
					return err
				}
				p.CustomerName = in
				return nil
			}),
			step("phone", "Enter a contact phone number, e.g. +251911234567", func(p *PlaceOrderPayload, in string, _ *Session) error {
				phone := strings.ReplaceAll(in, " ", "")
				if err := checkVar("phone", phone, "required,e164", "phone must be in international format"); err != nil {
					return err
				}
				p.Phone = phone
				return nil
			}),
			step("delivery_method", "Choose pickup or delivery", func(p *PlaceOrderPayload, in string, _ *Session) error {
				method := strings.ToLower(in)
				if err := checkVar("delivery_method", method, "required,oneof=pickup delivery", "choose pickup or delivery"); err != nil {
					return err
				}
				p.DeliveryMethod = method
				return nil
			}),
			step("delivery_address", "Enter the delivery address, or skip for pickup", func(p *PlaceOrderPayload, in string, _ *Session) error {
				if p.DeliveryMethod == "pickup" {
					if in != "" && !isSkip(in) {
						return invalid("delivery_address", "pickup orders take no address; reply skip")
					}
					p.DeliveryAddress = ""
					return nil
				}
				if isSkip(in) {
					return invalid("delivery_address", "delivery orders need an address")
				}
				if err := checkVar("delivery_address", in, "required,min=5,max=500", "address must be 5 to 500 characters"); err != nil {
					return err
				}
				p.DeliveryAddress = in
				return nil
			}),
			confirmStep("Reply with the confirmation code to place the order", func(p *PlaceOrderPayload, in string, sess *Session) error {
				if in != sess.Token {
					return invalid("confirm", "confirmation code does not match")
				}
				p.Confirmed = true
				return nil
			}),
		},
	}
}

func customQuantityFlow() flowDef {
	return flowDef{
		Type:       FlowCustomQuantity,
		newPayload: func() Payload { return &CustomQuantityPayload{} },
		Steps: []Step{
			step("item_id", "Enter the item number", func(p *CustomQuantityPayload, in string, _ *Session) error {
				id, err := strconv.ParseUint(in, 10, 64)
				if err != nil || id == 0 {
					return invalid("item_id", "item number must be a positive integer")
				}
				p.ItemID = uint(id)
				return nil
			}),
			step("quantity", "Enter the quantity you want", func(p *CustomQuantityPayload, in string, _ *Session) error {
				qty, err := strconv.Atoi(in)
				if err != nil {
					return invalid("quantity", "quantity must be a whole number")
				}
				if err := checkVar("quantity", qty, "gt=0,lte=10000", "quantity must be between 1 and 10000"); err != nil {
					return err
				}
				p.Quantity = qty
				return nil
			}),
		},
	}
}

func addItemSingleFlow() flowDef {
	return flowDef{
		Type:       FlowAddItemSingle,
		newPayload: func() Payload { return &AddItemPayload{} },
		Steps: []Step{
			step("name", "Enter the item name", func(p *AddItemPayload, in string, _ *Session) error {
				return setName(p, in)
			}),
			step("batch_number", "Enter the batch number, or skip", func(p *AddItemPayload, in string, _ *Session) error {
				return setBatch(p, in)
			}),
			step("manufacturing_date", "Enter the manufacturing date as YYYY-MM-DD, or skip", func(p *AddItemPayload, in string, _ *Session) error {
				return setManufacturingDate(p, in)
			}),
			step("expiry_date", "Enter the expiry date as YYYY-MM-DD, or skip", func(p *AddItemPayload, in string, _ *Session) error {
				return setExpiryDate(p, in)
			}),
			step("dosage_form", "Enter the dosage form ("+strings.Join(dosageForms, ", ")+"), or skip", func(p *AddItemPayload, in string, _ *Session) error {
				return setDosageForm(p, in)
			}),
			step("price", "Enter the unit price", func(p *AddItemPayload, in string, _ *Session) error {
				return setPrice(p, in)
			}),
			step("stock_quantity", "Enter the opening stock quantity", func(p *AddItemPayload, in string, _ *Session) error {
				return setStock(p, in)
			}),
		},
	}
}

func addItemBulkFlow(maxRows int) flowDef {
	return flowDef{
		Type:       FlowAddItemBulk,
		newPayload: func() Payload { return &BulkItemsPayload{} },
		Steps: []Step{
			step("rows", "Paste CSV rows: name,batch_number,manufacturing_date,expiry_date,dosage_form,price,stock_quantity", func(p *BulkItemsPayload, in string, _ *Session) error {
				rows, err := parseBulkRows(in, maxRows)
				if err != nil {
					return err
				}
				p.Rows = rows
				return nil
			}),
			confirmStep("Reply with the confirmation code to import the rows", func(_ *BulkItemsPayload, in string, sess *Session) error {
				if in != sess.Token {
					return invalid("confirm", "confirmation code does not match")
				}
				return nil
			}),
		},
	}
}

func setName(p *AddItemPayload, in string) error {
	if err := checkVar("name", in, "required,min=2,max=200", "name must be 2 to 200 characters"); err != nil {
		return err
	}
	p.Name = in
	return nil
}

func setBatch(p *AddItemPayload, in string) error {
	if in == "" || isSkip(in) {
		p.BatchNumber = ""
		return nil
	}
	if err := checkVar("batch_number", in, "max=50", "batch number is too long"); err != nil {
		return err
	}
	p.BatchNumber = in
	return nil
}

func parseDate(field, in string) (string, error) {
	t, err := time.Parse(dateLayout, in)
	if err != nil {
		return "", invalid(field, "date must be YYYY-MM-DD")
	}
	return t.Format(dateLayout), nil
}

func setManufacturingDate(p *AddItemPayload, in string) error {
	if in == "" || isSkip(in) {
		p.ManufacturingDate = ""
		return nil
	}
	d, err := parseDate("manufacturing_date", in)
	if err != nil {
		return err
	}
	p.ManufacturingDate = d
	return nil
}

func setExpiryDate(p *AddItemPayload, in string) error {
	if in == "" || isSkip(in) {
		p.ExpiryDate = ""
		return nil
	}
	d, err := parseDate("expiry_date", in)
	if err != nil {
		return err
	}
	// YYYY-MM-DD compares chronologically as text
	if p.ManufacturingDate != "" && d <= p.ManufacturingDate {
		return invalid("expiry_date", "expiry date must be after manufacturing date")
	}
	p.ExpiryDate = d
	return nil
}

func setDosageForm(p *AddItemPayload, in string) error {
	if in == "" || isSkip(in) {
		p.DosageForm = ""
		return nil
	}
	form := strings.ToLower(in)
	if err := checkVar("dosage_form", form, "oneof="+strings.Join(dosageForms, " "), "unknown dosage form"); err != nil {
		return err
	}
	p.DosageForm = form
	return nil
}

func setPrice(p *AddItemPayload, in string) error {
	price, err := decimal.NewFromString(in)
	if err != nil {
		return invalid("price", "price must be a number")
	}
	if price.IsNegative() {
		return invalid("price", "price cannot be negative")
	}
	p.Price = price.Round(2).StringFixed(2)
	return nil
}

func setStock(p *AddItemPayload, in string) error {
	qty, err := strconv.Atoi(in)
	if err != nil || qty < 0 {
		return invalid("stock_quantity", "stock must be a non-negative whole number")
	}
	p.StockQuantity = &qty
	return nil
}

var bulkColumns = []string{"name", "batch_number", "manufacturing_date", "expiry_date", "dosage_form", "price", "stock_quantity"}

// parseBulkRows reads CSV input into staged rows. A leading header row is optional.
func parseBulkRows(in string, maxRows int) ([]AddItemPayload, error) {
	r := csv.NewReader(strings.NewReader(in))
	r.FieldsPerRecord = len(bulkColumns)
	r.TrimLeadingSpace = true

	var rows []AddItemPayload
	line := 0
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, invalid("rows", fmt.Sprintf("line %d: expected %d comma separated columns", line, len(bulkColumns)))
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), bulkColumns[0]) {
			continue
		}
		row, err := parseBulkRow(record)
		if err != nil {
			var ve *apperror.ValidationError
			if errors.As(err, &ve) {
				return nil, invalid("rows", fmt.Sprintf("line %d: %s: %s", line, ve.Field, ve.Reason))
			}
			return nil, err
		}
		rows = append(rows, row)
		if maxRows > 0 && len(rows) > maxRows {
			return nil, invalid("rows", fmt.Sprintf("at most %d rows per upload", maxRows))
		}
	}
	if len(rows) == 0 {
		return nil, invalid("rows", "no rows found")
	}
	return rows, nil
}

func parseBulkRow(record []string) (AddItemPayload, error) {
	for i := range record {
		record[i] = strings.TrimSpace(record[i])
	}
	var row AddItemPayload
	setters := []func(*AddItemPayload, string) error{
		setName, setBatch, setManufacturingDate, setExpiryDate, setDosageForm, setPrice, setStock,
	}
	for i, set := range setters {
		if err := set(&row, record[i]); err != nil {
			return AddItemPayload{}, err
		}
	}
	return row, nil
}
