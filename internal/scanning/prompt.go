package scanning

// billExtractionPrompt is the shared prompt used by all providers.
//
// Tax-inclusive pricing is detected and backed out by the model itself: only
// the image shows whether the line items add up to the bill total.
const billExtractionPrompt = `Extract the text from this bill image and present it as structured data.
Ensure accuracy in the extraction of the text from the image.

In certain cases, the line item price is inclusive of taxes, and you need to exclude taxes from the price.
The tax percentage will be shown in the image for these cases. You can confirm this case by adding up the cost of all line items.
If this total matches the total amount in the bill, you need to exclude taxes from the price of each line item up to 2 decimal places.
If the sum of the line items does not match the total amount in the bill, report each line item price exactly as printed.

Return ONLY valid JSON in this exact format:
{
  "line_items": [
    {
      "item_name": "The name of the item",
      "quantity": 1,
      "rate": 0.00,
      "amount": 0.00
    }
  ],
  "total_discounts": 0.00,
  "total_taxes": 0.00
}

Where:
- item_name: the name of the item
- quantity: the quantity of the item
- rate: the rate per item
- amount: the total amount for the item
- total_discounts: total discounts in the bill
- total_taxes: total taxes in the bill

Important:
- All numbers must be JSON numbers, not strings
- Use 0 for totals that do not appear on the bill
- Do not include any text before or after the JSON
- Do not use markdown code blocks`
