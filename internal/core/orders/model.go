package orders

// Order is the normalized view of a repair order, independent of the field
// names the backend happened to use.
type Order struct {
	Number            string       `json:"number"`
	CustomerName      string       `json:"customer_name"`
	NationalID        string       `json:"national_id,omitempty"`
	Phone             string       `json:"phone,omitempty"`
	City              string       `json:"city,omitempty"`
	DeviceModel       string       `json:"device_model"`
	SerialNumber      string       `json:"serial_number,omitempty"`
	Status            int          `json:"status"`
	Step              WorkflowStep `json:"step"`
	StepLabel         string       `json:"step_label,omitempty"`
	RegistrationDate  string       `json:"registration_date,omitempty"`
	PreReceptionDate  string       `json:"pre_reception_date,omitempty"`
	TrackingCode      string       `json:"tracking_code,omitempty"`
	RepairDescription string       `json:"repair_description,omitempty"`
	TotalCost         int64        `json:"total_cost,omitempty"`
	PaymentLink       string       `json:"payment_link,omitempty"`
	Devices           []Device     `json:"devices,omitempty"`
}

// StepName prefers the label sent by the backend over the built-in name.
func (o *Order) StepName() string {
	if o.StepLabel != "" {
		return o.StepLabel
	}
	return o.Step.Name()
}

type Device struct {
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number,omitempty"`
	Status       string `json:"status,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Customer is the identity returned by the national id lookup.
type Customer struct {
	Name        string  `json:"name"`
	NationalID  string  `json:"national_id"`
	Phone       string  `json:"phone,omitempty"`
	City        string  `json:"city,omitempty"`
	PaymentLink string  `json:"payment_link,omitempty"`
	Orders      []Order `json:"orders,omitempty"`
}
