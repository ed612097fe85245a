package ndc

import "fmt"

// Package is a purchasable package from the product catalog
type Package struct {
	Code            string  `json:"code"`
	SizeQuantity    float64 `json:"sizeQuantity"`
	SizeUnit        string  `json:"sizeUnit"`
	DosageForm      string  `json:"dosageForm"`
	IsActive        bool    `json:"isActive"`
	MarketingStatus string  `json:"marketingStatus"`
	Description     string  `json:"description,omitempty"`
}

// Validate checks the invariants required before a package enters matching
func (p Package) Validate() error {
	if !IsCanonical(p.Code) {
		return fmt.Errorf("package code %q is not canonical", p.Code)
	}
	if p.SizeQuantity <= 0 {
		return fmt.Errorf("package %s has no usable size", p.Code)
	}
	return nil
}

// Canonicalize returns a copy of the package with its code normalized
func (p Package) Canonicalize() (Package, error) {
	code, err := Normalize(p.Code)
	if err != nil {
		return p, err
	}
	p.Code = code
	return p, nil
}
