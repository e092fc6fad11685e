package entity

type Product struct {
	ID       string `json:"id" firestore:"id"`
	SellerID string `json:"seller_id" firestore:"sellerId"`
	Title    string `json:"title" firestore:"title"`
	ImageURL string `json:"image_url,omitempty" firestore:"imageUrl,omitempty"`
}
